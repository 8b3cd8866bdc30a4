// Copyright (C) 2025  Xpra-org authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads the tunables from an optional YAML file, with
// XPRA_* environment variables overriding individual values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Xpra-org/xpra-sub019/pkg/log"
)

// FileTransfer holds the file transfer tunables.
type FileTransfer struct {
	Enabled bool `yaml:"enabled"`

	// MaxFileSize bounds a single transfer, in bytes.
	MaxFileSize int64 `yaml:"max_file_size"`

	// ChunkSize is the advertised chunk size; the effective size of a
	// transfer is the minimum of both peers' values.
	ChunkSize int `yaml:"chunk_size"`

	// MaxConcurrent bounds the transfers in flight in each direction.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Ask requires the receiving side to approve each transfer.
	Ask bool `yaml:"ask"`

	// AskTimeoutSeconds purges unanswered transfer requests.
	AskTimeoutSeconds int `yaml:"ask_timeout"`

	// ChunkTimeoutSeconds aborts a chunked transfer with no activity.
	ChunkTimeoutSeconds int `yaml:"chunk_timeout"`
}

// Printing holds the print forwarding tunables.
type Printing struct {
	Enabled bool `yaml:"enabled"`

	// JobTimeoutSeconds gives up polling for print job completion.
	JobTimeoutSeconds int `yaml:"job_timeout"`

	// DeleteSpoolFile removes the spool file once the job is done.
	DeleteSpoolFile bool `yaml:"delete_spool_file"`
}

// Open holds the open-file and open-url tunables.
type Open struct {
	Files bool `yaml:"files"`
	URLs  bool `yaml:"urls"`

	// Command is the only executable used to open anything.
	Command string `yaml:"command"`
}

// Network holds the connection level tunables.
type Network struct {
	PeekTimeoutMillis int `yaml:"peek_timeout"`
	SSHTimeoutSeconds int `yaml:"ssh_timeout"`
	MaxPacketSize     int `yaml:"max_packet_size"`
	CompressLevel     int `yaml:"compress_level"`
}

// TLS holds the TLS endpoint tunables.
type TLS struct {
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	CAFile     string `yaml:"ca_file"`
	VerifyMode string `yaml:"verify_mode"`
	StrictHost bool   `yaml:"strict_host"`
}

// Config is the root of the YAML document.
type Config struct {
	LogLevel     string       `yaml:"log_level"`
	DownloadDir  string       `yaml:"download_dir"`
	FileTransfer FileTransfer `yaml:"file_transfer"`
	Printing     Printing     `yaml:"printing"`
	Open         Open         `yaml:"open"`
	Network      Network      `yaml:"network"`
	TLS          TLS          `yaml:"tls"`
}

// Default returns the built in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		FileTransfer: FileTransfer{
			Enabled:             true,
			MaxFileSize:         1 << 30,
			ChunkSize:           65536,
			MaxConcurrent:       10,
			Ask:                 false,
			AskTimeoutSeconds:   3600,
			ChunkTimeoutSeconds: 10,
		},
		Printing: Printing{
			Enabled:           true,
			JobTimeoutSeconds: 3600,
			DeleteSpoolFile:   true,
		},
		Open: Open{
			Files:   false,
			URLs:    true,
			Command: "xdg-open",
		},
		Network: Network{
			PeekTimeoutMillis: 1000,
			SSHTimeoutSeconds: 10,
			MaxPacketSize:     256 * 1024,
			CompressLevel:     3,
		},
	}
}

// Load reads the YAML file, if there is one, and applies the
// environment overrides on top.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("os.ReadFile() failed: %w", err)
			}
			log.Debugf("no configuration file at %s", path)
		} else if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("cannot parse %s: %w", path, err)
		}
	}
	c.applyEnv()
	return c, nil
}

// applyEnv overrides individual values from XPRA_* variables, the
// same names the original tooling understands.
func (c *Config) applyEnv() {
	envStr("XPRA_LOG_LEVEL", &c.LogLevel)
	envStr("XPRA_DOWNLOAD_DIR", &c.DownloadDir)
	envBool("XPRA_FILE_TRANSFER", &c.FileTransfer.Enabled)
	envInt64("XPRA_FILE_SIZE_LIMIT", &c.FileTransfer.MaxFileSize)
	envInt("XPRA_FILE_CHUNKS_SIZE", &c.FileTransfer.ChunkSize)
	envInt("XPRA_MAX_CONCURRENT_FILES", &c.FileTransfer.MaxConcurrent)
	envBool("XPRA_FILE_ASK", &c.FileTransfer.Ask)
	envInt("XPRA_SEND_REQUEST_TIMEOUT", &c.FileTransfer.AskTimeoutSeconds)
	envInt("XPRA_CHUNK_TIMEOUT", &c.FileTransfer.ChunkTimeoutSeconds)
	envBool("XPRA_PRINTING", &c.Printing.Enabled)
	envInt("XPRA_PRINT_JOB_TIMEOUT", &c.Printing.JobTimeoutSeconds)
	envBool("XPRA_DELETE_PRINTER_FILE", &c.Printing.DeleteSpoolFile)
	envBool("XPRA_OPEN_FILES", &c.Open.Files)
	envBool("XPRA_OPEN_URLS", &c.Open.URLs)
	envStr("XPRA_OPEN_COMMAND", &c.Open.Command)
	envInt("XPRA_PEEK_TIMEOUT_MS", &c.Network.PeekTimeoutMillis)
	envInt("XPRA_SSH_TIMEOUT", &c.Network.SSHTimeoutSeconds)
	envInt("XPRA_MAX_PACKET_SIZE", &c.Network.MaxPacketSize)
	envInt("XPRA_COMPRESS_LEVEL", &c.Network.CompressLevel)
}

// Durations, so callers don't juggle units.

func (f FileTransfer) AskTimeout() time.Duration {
	return time.Duration(f.AskTimeoutSeconds) * time.Second
}

func (f FileTransfer) ChunkTimeout() time.Duration {
	return time.Duration(f.ChunkTimeoutSeconds) * time.Second
}

func (p Printing) JobTimeout() time.Duration {
	return time.Duration(p.JobTimeoutSeconds) * time.Second
}

func (n Network) PeekTimeout() time.Duration {
	return time.Duration(n.PeekTimeoutMillis) * time.Millisecond
}

func (n Network) SSHTimeout() time.Duration {
	return time.Duration(n.SSHTimeoutSeconds) * time.Second
}

func envStr(name string, target *string) {
	if v, ok := os.LookupEnv(name); ok {
		*target = v
	}
}

func envInt(name string, target *int) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Errorf("ignoring %s=%q: %v", name, v, err)
		return
	}
	*target = n
}

func envInt64(name string, target *int64) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Errorf("ignoring %s=%q: %v", name, v, err)
		return
	}
	*target = n
}

func envBool(name string, target *bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	switch v {
	case "1", "true", "yes", "on":
		*target = true
	case "0", "false", "no", "off":
		*target = false
	default:
		log.Errorf("ignoring %s=%q: not a boolean", name, v)
	}
}
