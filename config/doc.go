// Package config loads and validates the controller configuration.
//
// The configuration is one document with a section per component. Files are
// JSON or YAML, chosen by extension, and are layered over the built-in
// defaults: a layer only overrides the keys it names. Durations are written
// as strings ("250ms", "5s", "2d").
//
// Environment variables with the SENSORSYNC_ prefix are applied after the
// file layers, and a .env file may seed them:
//
//	_ = config.LoadDotEnv(".env")
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/controller.yaml")
//	loader.AddLayer("configs/lab.json") // overrides controller.yaml
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// SafeConfig holds the effective configuration at runtime. Reconfiguration
// through the gateway replaces it atomically after validation.
package config
