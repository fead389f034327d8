package ecoshop

// The factory is the single extension point for backend families: it
// dispatches on Config.Type and nothing else. Every constructor validates
// the configuration synchronously before touching any SDK or the network,
// so a missing required field fails here instead of as a downstream
// network error.

// NewDatabaseProvider constructs the database provider for the configured
// backend family.
func NewDatabaseProvider(cfg Config) (DatabaseProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case ProviderSelfHosted:
		return NewRESTDatabaseProvider(*cfg.SelfHosted, cfg.logger(), cfg.metrics()), nil
	case ProviderFirebase:
		return NewFirestoreDatabaseProvider(*cfg.Firebase, cfg.logger(), cfg.metrics()), nil
	case ProviderSupabase:
		return NewSupabaseDatabaseProvider(*cfg.Supabase, cfg.logger(), cfg.metrics()), nil
	default:
		return nil, Errorf(CodeInvalidConfig, "unknown provider type %q", cfg.Type)
	}
}

// NewStorageProvider constructs the storage provider for the configured
// backend family. A selfhosted deployment with Storage.S3 set stores files
// in the S3-compatible bucket instead of the backend's /storage endpoints.
func NewStorageProvider(cfg Config) (StorageProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case ProviderSelfHosted:
		if cfg.Storage.S3 != nil {
			return NewS3StorageProvider(*cfg.Storage.S3, cfg.Storage, cfg.logger(), cfg.metrics()), nil
		}
		return NewRESTStorageProvider(*cfg.SelfHosted, cfg.Storage, cfg.logger(), cfg.metrics()), nil
	case ProviderFirebase:
		return NewFirebaseStorageProvider(*cfg.Firebase, cfg.Storage, cfg.logger(), cfg.metrics()), nil
	case ProviderSupabase:
		return NewSupabaseStorageProvider(*cfg.Supabase, cfg.Storage, cfg.logger(), cfg.metrics()), nil
	default:
		return nil, Errorf(CodeInvalidConfig, "unknown provider type %q", cfg.Type)
	}
}

// NewAuthProvider constructs the auth provider for the configured backend
// family.
func NewAuthProvider(cfg Config) (AuthProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case ProviderSelfHosted:
		return NewRESTAuthProvider(*cfg.SelfHosted, cfg.logger()), nil
	case ProviderFirebase:
		return NewFirebaseAuthProvider(*cfg.Firebase, cfg.logger()), nil
	case ProviderSupabase:
		return NewSupabaseAuthProvider(*cfg.Supabase, cfg.logger()), nil
	default:
		return nil, Errorf(CodeInvalidConfig, "unknown provider type %q", cfg.Type)
	}
}

// NewCartService constructs the cart sync surface for the configured
// family: dedicated /cart endpoints for selfhosted, the database provider
// for the document backends.
func NewCartService(cfg Config, db DatabaseProvider) (CartService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case ProviderSelfHosted:
		return NewRESTCartService(*cfg.SelfHosted, cfg.logger()), nil
	case ProviderFirebase, ProviderSupabase:
		if db == nil {
			return nil, NewError(CodeInvalidConfig, "cart service for this backend requires a database provider")
		}
		return NewDatabaseCartService(db, cfg.logger()), nil
	default:
		return nil, Errorf(CodeInvalidConfig, "unknown provider type %q", cfg.Type)
	}
}

// Providers bundles the three capability providers for one backend family.
type Providers struct {
	Database DatabaseProvider
	Storage  StorageProvider
	Auth     AuthProvider
	Cart     CartService
}

// NewProviders constructs all providers for the configured family in one
// call. Nothing is initialized yet; call Initialize on each as needed.
func NewProviders(cfg Config) (*Providers, error) {
	db, err := NewDatabaseProvider(cfg)
	if err != nil {
		return nil, err
	}
	storage, err := NewStorageProvider(cfg)
	if err != nil {
		return nil, err
	}
	auth, err := NewAuthProvider(cfg)
	if err != nil {
		return nil, err
	}
	cart, err := NewCartService(cfg, db)
	if err != nil {
		return nil, err
	}
	return &Providers{Database: db, Storage: storage, Auth: auth, Cart: cart}, nil
}
