// Package pipeline wires C1-C7 together into the AudioPipeline orchestration
// state machine (spec §4.7/§4.8).
package pipeline

import (
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"
)

// Device abstracts the audio callback driver so the pipeline can run against
// real hardware or a headless/test backend without changing orchestration
// code (spec §6: "Callback-based driver... accepts any device block size a
// multiple of 64").
type Device interface {
	// Start begins delivering blocks to callback, one call per block, until
	// Stop is called. callback receives the input block and must fill the
	// output block in place before returning.
	Start(callback func(input, output []float32)) error
	Stop() error
	SampleRate() float64
	BufferSize() int
	// NominalInputLatencyMs / NominalOutputLatencyMs are the device's
	// reported hardware latencies, used by LatencyManager.Decompose (§4.4).
	NominalInputLatencyMs() float64
	NominalOutputLatencyMs() float64
}

// ErrBlockSizeNotMultiple is an initialisation-time error for device block
// sizes that aren't a multiple of 64 (spec §6).
type ErrBlockSizeNotMultiple struct {
	BlockSize int
}

func (e ErrBlockSizeNotMultiple) Error() string {
	return fmt.Sprintf("pipeline: device block size %d is not a multiple of 64", e.BlockSize)
}

const requiredBlockMultiple = 64

func validateBlockSize(blockSize int) error {
	if blockSize <= 0 || blockSize%requiredBlockMultiple != 0 {
		return ErrBlockSizeNotMultiple{BlockSize: blockSize}
	}
	return nil
}

// PortAudioDevice drives real hardware via portaudio, grounded on the
// capture/playback stream setup pattern used elsewhere in this codebase for
// duplex audio.
type PortAudioDevice struct {
	sampleRate float64
	blockSize  int

	inputLatencyMs  float64
	outputLatencyMs float64

	stream interface {
		Start() error
		Stop() error
		Close() error
	}
}

// NewPortAudioDevice opens a duplex stream at sampleRate/blockSize on the
// system's default input/output devices.
func NewPortAudioDevice(sampleRate float64, blockSize int) (*PortAudioDevice, error) {
	if err := validateBlockSize(blockSize); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("pipeline: portaudio init: %w", err)
	}

	inputDev, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("pipeline: default input device: %w", err)
	}
	outputDev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("pipeline: default output device: %w", err)
	}

	return &PortAudioDevice{
		sampleRate:      sampleRate,
		blockSize:       blockSize,
		inputLatencyMs:  inputDev.DefaultLowInputLatency.Seconds() * 1000,
		outputLatencyMs: outputDev.DefaultLowOutputLatency.Seconds() * 1000,
	}, nil
}

// Start opens and runs the duplex stream, invoking callback once per block
// until Stop is called.
func (d *PortAudioDevice) Start(callback func(input, output []float32)) error {
	input := make([]float32, d.blockSize)
	output := make([]float32, d.blockSize)

	stream, err := portaudio.OpenDefaultStream(1, 1, d.sampleRate, d.blockSize, func(in, out []float32) {
		copy(input, in)
		callback(input, output)
		copy(out, output)
	})
	if err != nil {
		return fmt.Errorf("pipeline: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("pipeline: start stream: %w", err)
	}
	d.stream = stream
	return nil
}

// Stop halts and closes the stream.
func (d *PortAudioDevice) Stop() error {
	if d.stream == nil {
		return nil
	}
	if err := d.stream.Stop(); err != nil {
		return err
	}
	err := d.stream.Close()
	portaudio.Terminate()
	return err
}

func (d *PortAudioDevice) SampleRate() float64            { return d.sampleRate }
func (d *PortAudioDevice) BufferSize() int                { return d.blockSize }
func (d *PortAudioDevice) NominalInputLatencyMs() float64  { return d.inputLatencyMs }
func (d *PortAudioDevice) NominalOutputLatencyMs() float64 { return d.outputLatencyMs }

// HeadlessDevice is a test/loopback backend that never touches real
// hardware: Start spins a goroutine that calls back at (roughly) the
// configured block rate with a caller-supplied input generator, feeding
// silence by default. Grounded on the test-mode loopback toggle elsewhere in
// this codebase (capture routed straight back out, no device I/O).
type HeadlessDevice struct {
	sampleRate float64
	blockSize  int

	inputLatencyMs  float64
	outputLatencyMs float64

	// InputGen, if set, fills an input block before each callback. Defaults
	// to silence.
	InputGen func(block []float32)

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHeadlessDevice constructs a headless device with fixed nominal
// latencies (5ms in, 5ms out) suitable for deterministic tests.
func NewHeadlessDevice(sampleRate float64, blockSize int) (*HeadlessDevice, error) {
	if err := validateBlockSize(blockSize); err != nil {
		return nil, err
	}
	return &HeadlessDevice{
		sampleRate:      sampleRate,
		blockSize:       blockSize,
		inputLatencyMs:  5,
		outputLatencyMs: 5,
	}, nil
}

// Start launches a background goroutine that calls callback once per block
// period (blockSize/sampleRate) until Stop is called, for integration-style
// tests that want real timing. Tests that want deterministic block-by-block
// control call Tick directly instead.
func (d *HeadlessDevice) Start(callback func(input, output []float32)) error {
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	period := time.Duration(float64(d.blockSize) / d.sampleRate * float64(time.Second))
	if period <= 0 {
		period = time.Millisecond
	}
	go func() {
		defer close(d.doneCh)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		input := make([]float32, d.blockSize)
		output := make([]float32, d.blockSize)
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
			}
			for i := range input {
				input[i] = 0
			}
			if d.InputGen != nil {
				d.InputGen(input)
			}
			callback(input, output)
		}
	}()
	return nil
}

// Stop signals the background goroutine to exit and waits for it.
func (d *HeadlessDevice) Stop() error {
	if d.stopCh == nil {
		return nil
	}
	close(d.stopCh)
	<-d.doneCh
	return nil
}

func (d *HeadlessDevice) SampleRate() float64            { return d.sampleRate }
func (d *HeadlessDevice) BufferSize() int                { return d.blockSize }
func (d *HeadlessDevice) NominalInputLatencyMs() float64  { return d.inputLatencyMs }
func (d *HeadlessDevice) NominalOutputLatencyMs() float64 { return d.outputLatencyMs }

// Tick runs exactly one callback synchronously, for deterministic
// block-by-block tests that don't want Start's background goroutine.
func (d *HeadlessDevice) Tick(callback func(input, output []float32), inputBlock []float32) []float32 {
	output := make([]float32, d.blockSize)
	callback(inputBlock, output)
	return output
}
