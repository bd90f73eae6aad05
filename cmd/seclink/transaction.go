package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/seclink/internal/device"
	"github.com/srg/seclink/internal/devicefactory"
	"github.com/srg/seclink/pkg/config"
	"github.com/srg/seclink/pkg/link"
	"github.com/srg/seclink/pkg/session"
)

// sessionFlags are the key flags shared by write and read.
type sessionFlags struct {
	outKey string
	inKey  string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.outKey, "out-key", "", "Outbound session key (64 hex chars); enables encryption")
	cmd.Flags().StringVar(&f.inKey, "in-key", "", "Inbound session key (64 hex chars); enables encryption")
}

// keys resolves session keys from the flags, falling back to the config file.
func (f *sessionFlags) keys(cfg *config.Config) (session.Keys, bool, error) {
	if f.outKey != "" || f.inKey != "" {
		if f.outKey == "" || f.inKey == "" {
			return session.Keys{}, false, fmt.Errorf("--out-key and --in-key must be given together")
		}
		keys, err := session.ParseKeys(f.outKey, f.inKey)
		return keys, err == nil, err
	}
	return cfg.SessionKeys()
}

// transaction is one FindAndWrite against a peer, with its diagnostics.
type transaction struct {
	address   string
	serviceID string
	charID    string
	pdus      [][]byte
	session   *sessionFlags
}

type transactionResult struct {
	pdus  [][]byte
	stats link.Stats
	trace []link.FrameRecord
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func (t *transaction) run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*transactionResult, error) {
	if _, err := device.ValidateUUID(t.serviceID, t.charID); err != nil {
		return nil, err
	}
	keys, keyed, err := t.session.keys(cfg)
	if err != nil {
		return nil, err
	}

	registry := link.NewRegistry(func(address string) (device.Peripheral, error) {
		return devicefactory.NewPeripheral(address, cfg.DriverOptions(), logger)
	}, cfg.LinkOptions(), logger)

	conn, err := registry.GetOrCreate(t.address)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := registry.Remove(context.Background(), t.address); err != nil {
			logger.WithError(err).Warn("Failed to disconnect peripheral")
		}
	}()

	if keyed {
		if err := conn.SetSessionKeys(keys); err != nil {
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"address":   t.address,
		"service":   t.serviceID,
		"char":      t.charID,
		"pdus":      len(t.pdus),
		"encrypted": keyed,
	}).Info("Starting transaction")

	pdus, err := conn.FindAndWrite(ctx, t.serviceID, t.charID, t.pdus)
	if err != nil {
		return nil, err
	}
	return &transactionResult{
		pdus:  pdus,
		stats: conn.Stats(),
		trace: conn.TraceFrames(),
	}, nil
}
