package ecoshop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t ProviderType) Config {
	cfg := Config{Type: t}
	switch t {
	case ProviderSelfHosted:
		cfg.SelfHosted = &SelfHostedConfig{APIURL: "https://api.example.com"}
	case ProviderFirebase:
		cfg.Firebase = &FirebaseConfig{APIKey: "k", AuthDomain: "x.firebaseapp.com", ProjectID: "x"}
	case ProviderSupabase:
		cfg.Supabase = &SupabaseConfig{URL: "https://x.supabase.co", AnonKey: "k"}
	}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid families pass", func(t *testing.T) {
		for _, typ := range []ProviderType{ProviderSelfHosted, ProviderFirebase, ProviderSupabase} {
			assert.NoError(t, validConfig(typ).Validate(), string(typ))
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		err := Config{Type: "mongo"}.Validate()
		require.Error(t, err)
		assert.True(t, IsCode(err, CodeInvalidConfig))
	})

	t.Run("missing sub config", func(t *testing.T) {
		err := Config{Type: ProviderFirebase}.Validate()
		require.Error(t, err)
		assert.True(t, IsCode(err, CodeInvalidConfig))
	})

	t.Run("firebase missing projectId fails before any call", func(t *testing.T) {
		cfg := validConfig(ProviderFirebase)
		cfg.Firebase.ProjectID = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, IsCode(err, CodeInvalidConfig))
	})

	t.Run("nested field error names the family", func(t *testing.T) {
		cfg := validConfig(ProviderFirebase)
		cfg.Firebase.ProjectID = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, AsError(err).Message, "projectId")
		assert.Equal(t, "Firebase", AsError(err).Details["field"])
		assert.NotContains(t, AsError(err).Message, "invalid provider type")
	})

	t.Run("supabase bad url", func(t *testing.T) {
		cfg := validConfig(ProviderSupabase)
		cfg.Supabase.URL = "not a url"
		assert.Error(t, cfg.Validate())
	})

	t.Run("s3 only for selfhosted", func(t *testing.T) {
		cfg := validConfig(ProviderFirebase)
		cfg.Storage.S3 = &S3Config{Bucket: "b", Region: "us-east-1"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, IsCode(err, CodeInvalidConfig))
	})

	t.Run("s3 needs region or endpoint", func(t *testing.T) {
		cfg := validConfig(ProviderSelfHosted)
		cfg.Storage.S3 = &S3Config{Bucket: "b"}
		assert.Error(t, cfg.Validate())

		cfg.Storage.S3.Endpoint = "http://localhost:9000"
		assert.NoError(t, cfg.Validate())
	})
}

func TestFactory_Dispatch(t *testing.T) {
	t.Run("selfhosted", func(t *testing.T) {
		p, err := NewProviders(validConfig(ProviderSelfHosted))
		require.NoError(t, err)
		assert.IsType(t, &RESTDatabaseProvider{}, p.Database)
		assert.IsType(t, &RESTStorageProvider{}, p.Storage)
		assert.IsType(t, &RESTAuthProvider{}, p.Auth)
		assert.IsType(t, &RESTCartService{}, p.Cart)
	})

	t.Run("firebase", func(t *testing.T) {
		p, err := NewProviders(validConfig(ProviderFirebase))
		require.NoError(t, err)
		assert.IsType(t, &FirestoreDatabaseProvider{}, p.Database)
		assert.IsType(t, &FirebaseStorageProvider{}, p.Storage)
		assert.IsType(t, &FirebaseAuthProvider{}, p.Auth)
		assert.IsType(t, &DatabaseCartService{}, p.Cart)
	})

	t.Run("supabase", func(t *testing.T) {
		p, err := NewProviders(validConfig(ProviderSupabase))
		require.NoError(t, err)
		assert.IsType(t, &SupabaseDatabaseProvider{}, p.Database)
		assert.IsType(t, &SupabaseStorageProvider{}, p.Storage)
		assert.IsType(t, &SupabaseAuthProvider{}, p.Auth)
	})

	t.Run("selfhosted with s3 storage", func(t *testing.T) {
		cfg := validConfig(ProviderSelfHosted)
		cfg.Storage.S3 = &S3Config{Bucket: "media", Region: "eu-west-1"}
		s, err := NewStorageProvider(cfg)
		require.NoError(t, err)
		assert.IsType(t, &S3StorageProvider{}, s)
	})

	t.Run("invalid config fails construction", func(t *testing.T) {
		cfg := validConfig(ProviderFirebase)
		cfg.Firebase.APIKey = ""

		_, err := NewDatabaseProvider(cfg)
		assert.True(t, IsCode(err, CodeInvalidConfig))
		_, err = NewStorageProvider(cfg)
		assert.True(t, IsCode(err, CodeInvalidConfig))
		_, err = NewAuthProvider(cfg)
		assert.True(t, IsCode(err, CodeInvalidConfig))
	})

	t.Run("database cart service needs database", func(t *testing.T) {
		_, err := NewCartService(validConfig(ProviderSupabase), nil)
		require.Error(t, err)
		assert.True(t, IsCode(err, CodeInvalidConfig))
	})
}
