// Copyright © 2023 AMIS Technologies
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the YAML-file configuration schemas for the three
// binaries (rendezvous, peer, function party) and the helpers to read
// and write them.
package config

import (
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v2"
)

// RendezvousConfig configures the store-and-forward mailbox server every
// peer and the function party dial into.
type RendezvousConfig struct {
	Addr      string   `yaml:"addr"`
	ClientIDs []string `yaml:"clientIds"`
}

// PeerConfig configures one input peer.
type PeerConfig struct {
	SelfID         string   `yaml:"selfId"`
	Peers          []string `yaml:"peers"`
	FPID           string   `yaml:"fpId,omitempty"`
	RendezvousAddr string   `yaml:"rendezvousAddr"`
	DataPath       string   `yaml:"dataPath"`
	DataStartRow   int      `yaml:"dataStartRow,omitempty"`
	DataRows       int      `yaml:"dataRows,omitempty"`
	RandMin        float64  `yaml:"randMin"`
	RandMax        float64  `yaml:"randMax"`
	TimeoutSeconds int      `yaml:"timeoutSeconds"`
}

// Timeout returns the configured timeout as a time.Duration.
func (c PeerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// FPConfig configures the function party.
type FPConfig struct {
	Peers          []string `yaml:"peers"`
	FPID           string   `yaml:"fpId,omitempty"`
	RendezvousAddr string   `yaml:"rendezvousAddr"`
	TimeoutSeconds int      `yaml:"timeoutSeconds"`
	Labels         bool     `yaml:"labels,omitempty"`
	UserDefSpecs   []string `yaml:"userDefSpecs,omitempty"`
	OutputPath     string   `yaml:"outputPath,omitempty"`
	KnnK           int      `yaml:"knnK,omitempty"`
	ScoresPath     string   `yaml:"scoresPath,omitempty"`
}

// Timeout returns the configured timeout as a time.Duration.
func (c FPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ReadYamlFile unmarshals the YAML file at path into out, which must be
// a pointer.
func ReadYamlFile(path string, out interface{}) error {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, out)
}

// WriteYamlFile marshals data as YAML and writes it to path.
func WriteYamlFile(data interface{}, path string) error {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, raw, 0644)
}
