package seccomp

import (
	"encoding/json"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Docker reads the same field names and action strings as the OCI spec, so
// the profiles marshal directly into a file for --security-opt seccomp=.

// DockerProfileJSON renders DefaultProfile for docker run.
func DockerProfileJSON() ([]byte, error) {
	return marshalDocker(DefaultProfile())
}

// DockerNetworkProfileJSON renders NetworkAllowProfile for docker run.
func DockerNetworkProfileJSON() ([]byte, error) {
	return marshalDocker(NetworkAllowProfile())
}

func marshalDocker(p *specs.LinuxSeccomp) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}
