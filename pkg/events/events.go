// Copyright 2018-2022 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package events defines the ScanCompleted/FileUploaded notifications
// and the bus that carries them. The background worker publishes
// ScanCompleted; nothing in this module publishes FileUploaded. When
// events.address is unset the bus stays in-process; otherwise it is
// backed by NATS.
package events

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Topic names the subjects this backend publishes.
type Topic string

const (
	TopicScanCompleted Topic = "filestorage.scan.completed"
	TopicFileUploaded  Topic = "filestorage.file.uploaded"
)

// ScanCompleted is published once per claimed blob after the scan duty
// records a verdict (spec SPEC_FULL.md §4.9).
type ScanCompleted struct {
	BlobID    string    `json:"blob_id"`
	Verdict   string    `json:"verdict"`
	Detail    string    `json:"detail,omitempty"`
	ScannedAt time.Time `json:"scanned_at"`
}

// FileUploaded describes a commit that minted or deduped a blob into an
// owner's file tree. The commit path does not publish it.
type FileUploaded struct {
	UserFileID string    `json:"user_file_id"`
	BlobID     string    `json:"blob_id"`
	OwnerID    string    `json:"owner_id"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Bus is the publish side this package's callers depend on; Subscribe
// supports the facts/audit consumers wired up at startup.
type Bus interface {
	Publish(topic Topic, payload any) error
	Subscribe(topic Topic, handler func(payload []byte)) (unsubscribe func(), err error)
	Close()
}

// Config describes how to reach the event bus.
type Config struct {
	// Address is the NATS server address. Empty keeps the bus
	// in-process (spec SPEC_FULL.md §6's "empty disables external
	// events" configuration note).
	Address string `mapstructure:"address"`
}

// New builds the Bus described by cfg; an empty Address yields an
// InProcessBus, matching the teacher's pattern of a resilient NATS
// connection guarded behind a configuration toggle.
func New(cfg Config, log zerolog.Logger) (Bus, error) {
	if cfg.Address == "" {
		return NewInProcessBus(), nil
	}
	return newNatsBus(cfg, log)
}

// natsBus publishes onto a real NATS connection, grounded on the
// teacher's pkg/notification/utils.ConnectToNats resilience options.
type natsBus struct {
	conn *nats.Conn
}

func newNatsBus(cfg Config, log zerolog.Logger) (*natsBus, error) {
	conn, err := nats.Connect(
		cfg.Address,
		nats.DrainTimeout(9*time.Second),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("nats error")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection to nats server reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &natsBus{conn: conn}, nil
}

func (b *natsBus) Publish(topic Topic, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return b.conn.Publish(string(topic), data)
}

func (b *natsBus) Subscribe(topic Topic, handler func(payload []byte)) (func(), error) {
	sub, err := b.conn.Subscribe(string(topic), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *natsBus) Close() {
	b.conn.Close()
}
