package models

// Setting holds instance-level key/value state, e.g. the signing key
// generated on first run when the config file does not provide one.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}
