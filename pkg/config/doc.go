// Package config loads the node's static YAML configuration and
// derives the concurrent-job ceiling from host resources.
package config
