// Package config loads the OpenSafe JSON configuration file, resolves
// relative paths against the file's directory and reads secrets from the
// environment variables named by the *_env fields.
package config
