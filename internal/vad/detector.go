// Package vad tags captured audio as speech or silence.
package vad

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/mattn/go-shellwords"
)

// Detector reports the probability that samples contain voice.
type Detector interface {
	Probability(samples []float32, sampleRate int) (float32, error)
	Reset()
}

// EnergyDetector maps the RMS level linearly between a floor and a ceiling.
type EnergyDetector struct {
	FloorDB   float64
	CeilingDB float64
}

func NewEnergyDetector(floorDB, ceilingDB float64) *EnergyDetector {
	return &EnergyDetector{FloorDB: floorDB, CeilingDB: ceilingDB}
}

func (d *EnergyDetector) Probability(samples []float32, _ int) (float32, error) {
	span := d.CeilingDB - d.FloorDB
	if span <= 0 {
		return 0, fmt.Errorf("energy detector: ceiling %.1f dB must exceed floor %.1f dB", d.CeilingDB, d.FloorDB)
	}
	p := (audio.RMSDecibels(samples) - d.FloorDB) / span
	switch {
	case p < 0:
		p = 0
	case p > 1:
		p = 1
	}
	return float32(p), nil
}

func (d *EnergyDetector) Reset() {}

type modelRequest struct {
	Reset      bool      `json:"reset,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Samples    []float32 `json:"samples,omitempty"`
}

type modelResponse struct {
	Probability float32 `json:"probability"`
	Error       string  `json:"error,omitempty"`
}

// ModelDetector drives a long-lived VAD model process. Each request is one
// JSON line on stdin answered by one JSON line on stdout.
type ModelDetector struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	enc    *json.Encoder
}

func NewModelDetector(command string) (*ModelDetector, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse vad command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("vad command is empty")
	}
	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("vad stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("vad stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start vad model: %w", err)
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &ModelDetector{
		cmd:    cmd,
		stdin:  stdin,
		stdout: scanner,
		enc:    json.NewEncoder(stdin),
	}, nil
}

func (d *ModelDetector) Probability(samples []float32, sampleRate int) (float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp, err := d.roundTrip(modelRequest{SampleRate: sampleRate, Samples: samples})
	if err != nil {
		return 0, err
	}
	return resp.Probability, nil
}

func (d *ModelDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = d.roundTrip(modelRequest{Reset: true})
}

func (d *ModelDetector) roundTrip(req modelRequest) (modelResponse, error) {
	if d.cmd == nil {
		return modelResponse{}, errors.New("vad model closed")
	}
	if err := d.enc.Encode(req); err != nil {
		return modelResponse{}, fmt.Errorf("write vad request: %w", err)
	}
	if !d.stdout.Scan() {
		if err := d.stdout.Err(); err != nil {
			return modelResponse{}, fmt.Errorf("read vad response: %w", err)
		}
		return modelResponse{}, errors.New("vad model exited")
	}
	var resp modelResponse
	if err := json.Unmarshal(d.stdout.Bytes(), &resp); err != nil {
		return modelResponse{}, fmt.Errorf("decode vad response: %w", err)
	}
	if resp.Error != "" {
		return modelResponse{}, fmt.Errorf("vad model: %s", resp.Error)
	}
	return resp, nil
}

// Close stops the model process.
func (d *ModelDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd == nil {
		return nil
	}
	_ = d.stdin.Close()
	err := d.cmd.Wait()
	d.cmd = nil
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
