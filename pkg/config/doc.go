/*
Package config is the YAML configuration schema for cmd/replicad,
loaded with gopkg.in/yaml.v3.
*/
package config
