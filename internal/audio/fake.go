package audio

import (
	"context"
	"fmt"
	"sync"
)

// FakeFile is the metadata the fake tracks per path.
type FakeFile struct {
	Duration float64
	LUFS     float64
	Curve    []VolumeSegment
}

// Fake is a pure in-memory Processor for orchestration tests. It tracks
// durations and loudness per path and records every operation.
type Fake struct {
	mu    sync.Mutex
	files map[string]FakeFile
	ops   []string

	// MixLUFS supplies the measured loudness of successive Mix outputs;
	// when exhausted, mixes measure -16.
	MixLUFS []float64
	mixes   int

	// FailLoudness makes MeasureLoudness return ErrLoudnessMeasure.
	FailLoudness bool

	// AutoDuration, when set, registers unknown paths on first access with
	// the returned duration. Lets tests cover files written outside the
	// fake (e.g. a provider download).
	AutoDuration func(path string) (float64, bool)
}

// NewFake creates an empty fake toolchain.
func NewFake() *Fake {
	return &Fake{files: make(map[string]FakeFile)}
}

// AddFile registers a pre-existing input file.
func (f *Fake) AddFile(path string, duration float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = FakeFile{Duration: duration, LUFS: -16}
}

// File returns the tracked metadata for a path.
func (f *Fake) File(path string) (FakeFile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, ok := f.files[path]
	return ff, ok
}

// Ops lists the operations performed, in order.
func (f *Fake) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *Fake) record(op string) {
	f.ops = append(f.ops, op)
}

func (f *Fake) get(path string) (FakeFile, error) {
	ff, ok := f.files[path]
	if !ok {
		if f.AutoDuration != nil {
			if d, found := f.AutoDuration(path); found {
				ff = FakeFile{Duration: d, LUFS: -16}
				f.files[path] = ff
				return ff, nil
			}
		}
		return FakeFile{}, fmt.Errorf("fake: no such file %s", path)
	}
	return ff, nil
}

func (f *Fake) GetDuration(_ context.Context, path string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, err := f.get(path)
	if err != nil {
		return 0, err
	}
	return ff.Duration, nil
}

func (f *Fake) Trim(_ context.Context, path string, duration float64, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, err := f.get(path)
	if err != nil {
		return err
	}
	if duration < ff.Duration {
		ff.Duration = duration
	}
	f.files[out] = ff
	f.record(fmt.Sprintf("trim(%0.2f)", duration))
	return nil
}

func (f *Fake) ExtendByLoop(_ context.Context, path string, duration float64, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, err := f.get(path)
	if err != nil {
		return err
	}
	ff.Duration = duration
	f.files[out] = ff
	f.record(fmt.Sprintf("extend(%0.2f)", duration))
	return nil
}

func (f *Fake) StretchToDuration(_ context.Context, path string, duration float64, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, err := f.get(path)
	if err != nil {
		return err
	}
	ratio := ff.Duration / duration
	if ratio < MinStretchRatio-1e-9 || ratio > MaxStretchRatio+1e-9 {
		return fmt.Errorf("%w: %0.3f", ErrScalingRefused, ratio)
	}
	ff.Duration = duration
	f.files[out] = ff
	f.record(fmt.Sprintf("stretch(%0.2f)", duration))
	return nil
}

func (f *Fake) ApplyVolumeCurve(_ context.Context, path string, segments []VolumeSegment, totalDuration float64, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, err := f.get(path)
	if err != nil {
		return err
	}
	if totalDuration > 0 && totalDuration < ff.Duration {
		ff.Duration = totalDuration
	}
	ff.Curve = append([]VolumeSegment(nil), segments...)
	f.files[out] = ff
	f.record(fmt.Sprintf("curve(%d segments)", len(segments)))
	return nil
}

func (f *Fake) MeasureLoudness(_ context.Context, path string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailLoudness {
		return 0, ErrLoudnessMeasure
	}
	ff, err := f.get(path)
	if err != nil {
		return 0, err
	}
	f.record("measure")
	return ff.LUFS, nil
}

func (f *Fake) Mix(_ context.Context, opts MixOptions, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var voiceEnd, musicEnd float64
	if opts.VoicePath != "" {
		ff, err := f.get(opts.VoicePath)
		if err != nil {
			return err
		}
		voiceEnd = opts.VoiceDelay + ff.Duration
	}
	if opts.MusicPath != "" {
		ff, err := f.get(opts.MusicPath)
		if err != nil {
			return err
		}
		musicEnd = ff.Duration
	}
	duration := voiceEnd
	if musicEnd > duration {
		duration = musicEnd
	}
	if opts.MaxDuration > 0 && duration > opts.MaxDuration {
		duration = opts.MaxDuration
	}

	lufs := -16.0
	if f.mixes < len(f.MixLUFS) {
		lufs = f.MixLUFS[f.mixes]
	}
	f.mixes++

	f.files[out] = FakeFile{Duration: duration, LUFS: lufs}
	f.record(fmt.Sprintf("mix(duck=%v,norm=%v)", opts.AudioDucking, opts.NormalizeLoudness))
	return nil
}

func (f *Fake) Master(_ context.Context, path string, preset MasterPreset, loudness LoudnessPreset, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, err := f.get(path)
	if err != nil {
		return err
	}
	ff.LUFS = loudness.TargetLUFS()
	f.files[out] = ff
	f.record(fmt.Sprintf("master(%s,%s)", preset, loudness))
	return nil
}
