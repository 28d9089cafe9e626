//go:build docker
// +build docker

package privaxy

var DefaultConfigDir = "/data"
