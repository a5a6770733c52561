// Package config reads the Fingerprint YAML configuration, applies
// FINGERPRINT_* environment overrides and validates the result.
//
// Capability and property tables stay as raw strings; package capability
// gives them types. A missing file is not an error for callers that fall
// back to Default:
//
//	cfg, err := config.Load(path)
//	if errors.Is(err, fs.ErrNotExist) {
//		cfg = config.Default()
//	}
package config
