// Package config loads the caretaker configuration from a YAML file, applies
// defaults, and resolves the wallet secret phrase from the environment or a
// dotenv file.
package config
