// Package queue carries job descriptors from ingestion to the workers that
// precompute variants. Delivery is at least once; consumers must tolerate
// repeats.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Receive when no job is ready.
var ErrEmpty = errors.New("queue: empty")

// Job describes an ingested original and the variants to precompute for it.
type Job struct {
	Identifier  string    `json:"identifier"`
	OriginalKey string    `json:"original_key"`
	ContentType string    `json:"content_type"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	Versions    []string  `json:"versions,omitempty"`
	CreatedOn   time.Time `json:"created_on"`
}

// Delivery is a received job together with the handle used to ack it.
type Delivery struct {
	ID      string
	Job     Job
	Attempt int
}

// Publisher enqueues jobs.
type Publisher interface {
	Publish(ctx context.Context, job Job) error
}

// Consumer leases jobs for processing.
type Consumer interface {
	Receive(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
}

// Queue is both ends of a queue.
type Queue interface {
	Publisher
	Consumer
}

type envelope struct {
	ID         string    `json:"id"`
	Job        Job       `json:"job"`
	Attempt    int       `json:"attempt,omitempty"`
	LeaseUntil time.Time `json:"lease_until,omitempty"`
}
