// Package sgx implements the Intel SGX style Attestation Provider: a DCAP
// quote embedding enclave-identity measurements and a report_data field
// bound to the vault public key (§3, §4.2).
package sgx

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	measurementSize = 32
	reportDataSize  = 64
	quoteMagic      = "SGXQ1"
)

// Quote is the core's simplified DCAP quote representation: measurement
// fields plus the 64-byte report_data binding (§3). Vendor-specific quote
// internals (QE certification data, TCB info) are out of scope for the
// core per spec.md's component boundary — only the fields the Attestation
// Verifier's appraisal-service contract actually consumes are modeled.
type Quote struct {
	MeasurementEnclave [measurementSize]byte
	MeasurementSigner  [measurementSize]byte
	ReportData         [reportDataSize]byte
}

// Marshal serializes a Quote to its wire form.
func (q *Quote) Marshal() []byte {
	buf := make([]byte, 0, len(quoteMagic)+measurementSize*2+reportDataSize)
	buf = append(buf, quoteMagic...)
	buf = append(buf, q.MeasurementEnclave[:]...)
	buf = append(buf, q.MeasurementSigner[:]...)
	buf = append(buf, q.ReportData[:]...)
	return buf
}

// ParseQuote decodes the wire form produced by Marshal.
func ParseQuote(data []byte) (*Quote, error) {
	want := len(quoteMagic) + measurementSize*2 + reportDataSize
	if len(data) != want || string(data[:len(quoteMagic)]) != quoteMagic {
		return nil, fmt.Errorf("sgx: malformed quote")
	}
	q := &Quote{}
	off := len(quoteMagic)
	copy(q.MeasurementEnclave[:], data[off:off+measurementSize])
	off += measurementSize
	copy(q.MeasurementSigner[:], data[off:off+measurementSize])
	off += measurementSize
	copy(q.ReportData[:], data[off:off+reportDataSize])
	return q, nil
}

// Device is the platform quoting interface: given 64 bytes of report data,
// it returns a signed quote binding that data to the running enclave's
// measurements (§4.2).
type Device interface {
	Quote(reportData [reportDataSize]byte) ([]byte, error)
}

var (
	handleOnce sync.Once
	handle     Device
	handleErr  error
)

// Open returns the process-wide cached Device (C5), constructing it on
// first use via newDevice.
func Open(newDevice func() (Device, error)) (Device, error) {
	handleOnce.Do(func() {
		handle, handleErr = newDevice()
	})
	return handle, handleErr
}

// gramineDevice talks to the SGX quoting interface exposed by a Gramine
// (or compatible) runtime as pseudo-files under /dev/attestation: writing
// the report data to user_report_data and reading back quote.
type gramineDevice struct {
	root string // default /dev/attestation
}

// NewGramineDevice returns a Device backed by the given sysfs root (pass
// "/dev/attestation" in production).
func NewGramineDevice(root string) Device {
	return &gramineDevice{root: root}
}

func (d *gramineDevice) Quote(reportData [reportDataSize]byte) ([]byte, error) {
	if err := os.WriteFile(filepath.Join(d.root, "user_report_data"), reportData[:], 0o600); err != nil {
		return nil, fmt.Errorf("sgx: writing user_report_data: %w", err)
	}
	quote, err := os.ReadFile(filepath.Join(d.root, "quote"))
	if err != nil {
		return nil, fmt.Errorf("sgx: reading quote: %w", err)
	}
	return quote, nil
}

// softwareDevice is the dev/test stand-in used when no SGX sysfs is
// present, analogous to nitro's softwareDevice.
type softwareDevice struct {
	measurementEnclave [measurementSize]byte
	measurementSigner  [measurementSize]byte
}

// NewSoftwareDevice returns a Device that fabricates a quote over fixed
// measurements, for development and test.
func NewSoftwareDevice(measurementEnclave, measurementSigner [measurementSize]byte) Device {
	return &softwareDevice{measurementEnclave: measurementEnclave, measurementSigner: measurementSigner}
}

func (d *softwareDevice) Quote(reportData [reportDataSize]byte) ([]byte, error) {
	q := &Quote{
		MeasurementEnclave: d.measurementEnclave,
		MeasurementSigner:  d.measurementSigner,
		ReportData:         reportData,
	}
	return q.Marshal(), nil
}

// measurementSeed derives a deterministic 32-byte measurement value from a
// label, used by tests and example configuration to build reproducible
// software-device measurements without a real enclave image to hash.
func measurementSeed(label string) [measurementSize]byte {
	var out [measurementSize]byte
	var ctr uint64
	for i := 0; i < measurementSize; i += 8 {
		binary.BigEndian.PutUint64(out[i:], ctr+hashLabel(label, ctr))
		ctr++
	}
	return out
}

func hashLabel(label string, ctr uint64) uint64 {
	var h uint64 = 14695981039346656037 // FNV offset basis
	for _, b := range []byte(label) {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h ^ ctr
}
