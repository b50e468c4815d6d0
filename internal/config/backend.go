package config

// Backend is where non-secret keys persist between runs. Values set with
// `briefai config set` land here; environment variables still win at load.
//
// Ints are stored natively; bools and durations are stored as strings and
// parsed by the key table.
type Backend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
