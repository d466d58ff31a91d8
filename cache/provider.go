// Package cache stores serialized HTTP responses in named, generation-tagged
// partitions, and owns the provisioning and garbage collection of those
// partitions across agent upgrades.
package cache

import (
	"bufio"
	"bytes"
	"net/http"
	"time"
)

// Logical partition names. The on-disk partition name is the logical name
// tagged with the current generation, e.g. "api-v3".
const (
	PartitionCoreAssets = "core-assets"
	PartitionAPI        = "api"
	PartitionFallback   = "offline-fallback"
)

// Entry is one stored response in a partition.
type Entry struct {
	Partition string
	Key       string
	StoredAt  time.Time
	Bytes     []byte
}

// Provider is storage for cache partitions. It stores and retrieves []byte
// values, which represent serialized HTTP responses, keyed by (partition, URL).
//
// Implementations must be thread-safe.
type Provider interface {
	// Get returns the stored response for the given key, if it exists.
	Get(partition, key string) (Entry, bool, error)
	// Put stores the given response bytes under the given key,
	// superseding any previous entry for the same key.
	Put(partition, key string, bytes []byte) error
	// Purge removes the entry for the given key.
	Purge(partition, key string)
	// Provision creates the named partitions if they do not exist.
	Provision(names ...string) error
	// Partitions returns the names of all existing partitions.
	Partitions() ([]string, error)
	// DeletePartition removes a partition and all of its entries.
	DeletePartition(name string) error
	// ClearPartition removes all entries of a partition but keeps it provisioned.
	ClearPartition(name string) error
}

// ResponseToBytes serializes a response to its HTTP/1.1 wire representation.
// The response body is replaced so it can still be read by the caller.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	clone, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clone.Body
	return bts, nil
}

// BytesToResponse revives a serialized response.
func BytesToResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}
