package secret

// SecretStore provides credentials that should not travel on the command
// line, such as the log store password or the relational store URL.
type SecretStore interface {
	// Get retrieves the secret value for the given key.
	// Returns empty slice and nil error if key does not exist.
	Get(key string) ([]byte, error)
}

// Lookup returns the first non-empty value among stores, in order.
func Lookup(key string, stores ...SecretStore) (string, error) {
	for _, s := range stores {
		if s == nil {
			continue
		}
		v, err := s.Get(key)
		if err != nil {
			return "", err
		}
		if len(v) > 0 {
			return string(v), nil
		}
	}
	return "", nil
}
