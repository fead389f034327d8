package ecoshop

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ProviderType discriminates which backend family the factory constructs.
// It is the only field the factory inspects to pick an implementation.
type ProviderType string

const (
	ProviderSelfHosted ProviderType = "selfhosted"
	ProviderFirebase   ProviderType = "firebase"
	ProviderSupabase   ProviderType = "supabase"
)

// Tunables shared across the module
const (
	// DefaultSyncDebounce is how long a burst of cart mutations is allowed
	// to settle before one sync round-trip is sent.
	DefaultSyncDebounce = 3 * time.Second

	DefaultHTTPTimeout  = 15 * time.Second
	DefaultListPageSize = 100

	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755

	// Persistence keys in the durable local KV store
	CartStorageKey          = "@eco_cart"
	WishlistItemsStorageKey = "@wishlist_items"
	WishlistListsStorageKey = "@wishlist_lists"
)

// Config selects and parameterizes a backend family. Exactly the sub-config
// matching Type must be populated; Validate enforces that before the factory
// touches any SDK or the network.
type Config struct {
	Type ProviderType `json:"type" validate:"required,oneof=selfhosted firebase supabase"`

	SelfHosted *SelfHostedConfig `json:"selfhosted,omitempty"`
	Firebase   *FirebaseConfig   `json:"firebase,omitempty"`
	Supabase   *SupabaseConfig   `json:"supabase,omitempty"`

	// Storage holds family-independent storage provider settings.
	Storage StorageConfig `json:"storage"`

	// Logger and Metrics default to no-ops when nil.
	Logger  Logger  `json:"-"`
	Metrics Metrics `json:"-"`
}

// SelfHostedConfig parameterizes the REST backend family.
type SelfHostedConfig struct {
	APIURL string `json:"apiUrl" validate:"required,url"`
	APIKey string `json:"apiKey,omitempty"`

	// RealtimeURL is the websocket change-feed endpoint. Derived from
	// APIURL when empty.
	RealtimeURL string `json:"realtimeUrl,omitempty" validate:"omitempty,url"`

	Timeout time.Duration `json:"timeout,omitempty"`
}

// FirebaseConfig parameterizes the Firebase backend family.
type FirebaseConfig struct {
	APIKey        string `json:"apiKey" validate:"required"`
	AuthDomain    string `json:"authDomain" validate:"required"`
	ProjectID     string `json:"projectId" validate:"required"`
	StorageBucket string `json:"storageBucket,omitempty"`

	// CredentialsFile points at a service account JSON file. Application
	// Default Credentials are used when empty.
	CredentialsFile string `json:"credentialsFile,omitempty"`
}

// SupabaseConfig parameterizes the Supabase backend family.
type SupabaseConfig struct {
	URL     string `json:"url" validate:"required,url"`
	AnonKey string `json:"anonKey" validate:"required"`
	Schema  string `json:"schema,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`
}

// StorageConfig holds storage provider settings common to all families.
type StorageConfig struct {
	// BasePath is prefixed onto every storage path through one seam; callers
	// cannot escape it.
	BasePath string `json:"basePath,omitempty"`

	// AutoGenerateFilename replaces upload filenames with a
	// timestamp-random collision-resistant name.
	AutoGenerateFilename bool `json:"autoGenerateFilename,omitempty"`

	// Bucket names the Supabase Storage bucket. Defaults to "public".
	Bucket string `json:"bucket,omitempty"`

	// S3 switches a selfhosted deployment's file storage to an
	// S3-compatible object store instead of the REST /storage endpoints.
	S3 *S3Config `json:"s3,omitempty"`
}

// S3Config parameterizes S3-compatible object storage for selfhosted
// deployments.
type S3Config struct {
	Bucket          string `json:"bucket" validate:"required"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	UsePathStyle    bool   `json:"usePathStyle,omitempty"`
}

var configValidator = validator.New()

// Validate checks the configuration without performing any I/O. The factory
// calls this before constructing a provider so that misconfiguration fails
// immediately instead of surfacing as a downstream network error.
func (c Config) Validate() error {
	// Only the discriminator is validated at the top level; nested family
	// configs are validated in their own branch so the error names them.
	if err := configValidator.StructPartial(c, "Type"); err != nil {
		return configError("Type", fmt.Sprintf("invalid provider type %q", c.Type), err)
	}

	switch c.Type {
	case ProviderSelfHosted:
		if c.SelfHosted == nil {
			return configError("SelfHosted", "selfhosted config is required", nil)
		}
		if err := configValidator.Struct(c.SelfHosted); err != nil {
			return configError("SelfHosted", "selfhosted requires a valid apiUrl", err)
		}
	case ProviderFirebase:
		if c.Firebase == nil {
			return configError("Firebase", "firebase config is required", nil)
		}
		if err := configValidator.Struct(c.Firebase); err != nil {
			return configError("Firebase", "firebase requires apiKey, authDomain and projectId", err)
		}
	case ProviderSupabase:
		if c.Supabase == nil {
			return configError("Supabase", "supabase config is required", nil)
		}
		if err := configValidator.Struct(c.Supabase); err != nil {
			return configError("Supabase", "supabase requires url and anonKey", err)
		}
	}

	if c.Storage.S3 != nil {
		if c.Type != ProviderSelfHosted {
			return configError("Storage.S3", "S3 storage is only available for selfhosted deployments", nil)
		}
		if err := configValidator.Struct(c.Storage.S3); err != nil {
			return configError("Storage.S3", "s3 storage requires a bucket", err)
		}
		if c.Storage.S3.Region == "" && c.Storage.S3.Endpoint == "" {
			return configError("Storage.S3", "s3 storage requires either region or endpoint", nil)
		}
	}

	return nil
}

func configError(field, reason string, cause error) error {
	e := WrapError(CodeInvalidConfig, reason, cause)
	return e.WithDetails(map[string]interface{}{"field": field})
}

func (c Config) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return &NoOpLogger{}
}

func (c Config) metrics() Metrics {
	if c.Metrics != nil {
		return c.Metrics
	}
	return &NoOpMetrics{}
}

func (c SelfHostedConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultHTTPTimeout
}

func (c SupabaseConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultHTTPTimeout
}

func (c StorageConfig) bucket() string {
	if c.Bucket != "" {
		return c.Bucket
	}
	return "public"
}

func (c SupabaseConfig) schema() string {
	if c.Schema != "" {
		return c.Schema
	}
	return "public"
}
