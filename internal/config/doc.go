// Package config loads the autopilot daemon configuration: a JSON file with
// per-section defaults, plus signer secrets from the environment or a .env
// file.
package config
