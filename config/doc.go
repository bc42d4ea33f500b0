// Package config loads the tcpserver process configuration.
//
// Configuration is built in layers: Default(), then each file added with
// AddLayer in order, then environment variables. A file only overrides the
// keys it contains. Files ending in .json are read with encoding/json;
// .yaml and .yml files with gopkg.in/yaml.v3.
//
// Environment overrides use the ACTIVECORE_ prefix followed by the section
// and field, for example ACTIVECORE_SERVER_PORT, ACTIVECORE_SERVER_WORKERS,
// ACTIVECORE_NATS_ENABLED or ACTIVECORE_LOG_LEVEL.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/prod.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Durations are written as Go duration strings ("10s"); bare numbers are
// seconds.
//
// The library packages never read configuration themselves. Only
// cmd/tcpserver turns a Config into constructor options.
package config
