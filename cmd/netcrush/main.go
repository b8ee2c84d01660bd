//go:build linux
// +build linux

// File: cmd/netcrush/main.go
// Author: momentics <momentics@gmail.com>
//
// Standalone daemon: runs the proxies described by a YAML file until
// SIGINT or SIGTERM.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/netcrush/netcrush/api"
	"github.com/netcrush/netcrush/datagram"
	"github.com/netcrush/netcrush/reactor"
	"github.com/netcrush/netcrush/tcp"
)

// Config is the YAML file layout.
type Config struct {
	TCP []TCPProxyConfig `yaml:"tcp"`
	UDP []UDPProxyConfig `yaml:"udp"`
}

// TCPProxyConfig describes one TCP proxy instance.
type TCPProxyConfig struct {
	Local             string        `yaml:"local"`
	Remote            string        `yaml:"remote"`
	Backlog           int           `yaml:"backlog"`
	KeepAlive         bool          `yaml:"keepAlive"`
	NoDelay           bool          `yaml:"noDelay"`
	RcvBufferSize     int           `yaml:"rcvBufferSize"`
	SndBufferSize     int           `yaml:"sndBufferSize"`
	ConnectionTimeout string        `yaml:"connectionTimeout"`
	BufferCount       int           `yaml:"bufferCount"`
	BufferSize        int           `yaml:"bufferSize"`
}

// UDPProxyConfig describes one UDP proxy instance.
type UDPProxyConfig struct {
	Local           string        `yaml:"local"`
	Remote          string        `yaml:"remote"`
	RcvBufferSize   int           `yaml:"rcvBufferSize"`
	SndBufferSize   int           `yaml:"sndBufferSize"`
	MaxIdleDuration string        `yaml:"maxIdleDuration"`
}

// parseDuration reads a "3s"-style duration; the empty string means zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.TCP) == 0 && len(cfg.UDP) == 0 {
		return cfg, fmt.Errorf("config declares no proxies")
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "netcrush.yaml", "path to the proxy configuration file")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("configuration failed", zap.Error(err))
	}

	r, err := reactor.New(logger)
	if err != nil {
		logger.Fatal("reactor start failed", zap.Error(err))
	}
	defer r.Close()

	var crushers []api.NetCrusher

	for _, pc := range cfg.TCP {
		timeout, err := parseDuration(pc.ConnectionTimeout)
		if err != nil {
			logger.Fatal("bad connectionTimeout",
				zap.String("local", pc.Local), zap.Error(err))
		}
		c, err := tcp.NewBuilder().
			WithReactor(r).
			WithLocalAddress(pc.Local).
			WithRemoteAddress(pc.Remote).
			WithBacklog(pc.Backlog).
			WithKeepAlive(pc.KeepAlive).
			WithNoDelay(pc.NoDelay).
			WithRcvBufferSize(pc.RcvBufferSize).
			WithSndBufferSize(pc.SndBufferSize).
			WithConnectionTimeout(timeout).
			WithBufferCount(orDefault(pc.BufferCount, 16)).
			WithBufferSize(orDefault(pc.BufferSize, 16*1024)).
			WithLogger(logger).
			BuildAndOpen()
		if err != nil {
			logger.Fatal("tcp proxy start failed",
				zap.String("local", pc.Local), zap.Error(err))
		}
		crushers = append(crushers, c)
	}

	for _, pc := range cfg.UDP {
		maxIdle, err := parseDuration(pc.MaxIdleDuration)
		if err != nil {
			logger.Fatal("bad maxIdleDuration",
				zap.String("local", pc.Local), zap.Error(err))
		}
		c, err := datagram.NewBuilder().
			WithReactor(r).
			WithLocalAddress(pc.Local).
			WithRemoteAddress(pc.Remote).
			WithRcvBufferSize(pc.RcvBufferSize).
			WithSndBufferSize(pc.SndBufferSize).
			WithMaxIdleDuration(maxIdle).
			WithLogger(logger).
			BuildAndOpen()
		if err != nil {
			logger.Fatal("udp proxy start failed",
				zap.String("local", pc.Local), zap.Error(err))
		}
		crushers = append(crushers, c)
	}

	logger.Info("netcrush running",
		zap.Int("tcp", len(cfg.TCP)), zap.Int("udp", len(cfg.UDP)))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	for _, c := range crushers {
		if err := c.Close(); err != nil {
			logger.Warn("proxy close failed", zap.Error(err))
		}
	}
	logger.Info("netcrush stopped")
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
