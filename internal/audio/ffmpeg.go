package audio

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Audio quality constants for consistent output across all FFmpeg operations.
const (
	AudioBitrate    = "192k"
	AudioSampleRate = "44100"
	AudioChannels   = "2"
	AudioCodec      = "libmp3lame"
	AudioQuality    = "0" // LAME quality (0 = best)
	AudioResampler  = "aresample=resampler=soxr"

	loopCrossfade = 0.05 // seconds across the loop join
	curveFade     = 0.02 // seconds across volume-segment boundaries

	analysisSampleRate = 22050
)

// FFmpeg implements Processor by shelling out to ffmpeg/ffprobe.
type FFmpeg struct{}

// NewFFmpeg creates the child-process audio adapter.
func NewFFmpeg() *FFmpeg {
	return &FFmpeg{}
}

// CheckInstalled verifies ffmpeg and ffprobe are on PATH.
func CheckInstalled() error {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found in PATH: %w", bin, err)
		}
	}
	return nil
}

func (f *FFmpeg) GetDuration(ctx context.Context, path string) (float64, error) {
	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration of %s: %w", path, err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return secs, nil
}

func (f *FFmpeg) Trim(ctx context.Context, path string, duration float64, out string) error {
	return f.atomically(out, func(tmp string) error {
		return f.run(ctx, "trim",
			"-i", path,
			"-t", formatSeconds(duration),
			"-af", AudioResampler,
			"-c:a", AudioCodec,
			"-b:a", AudioBitrate,
			"-q:a", AudioQuality,
			"-ar", AudioSampleRate,
			"-ac", AudioChannels,
			"-y", tmp,
		)
	})
}

func (f *FFmpeg) ExtendByLoop(ctx context.Context, path string, duration float64, out string) error {
	src, err := f.GetDuration(ctx, path)
	if err != nil {
		return err
	}
	if src <= 0 {
		return fmt.Errorf("extend %s: source has no duration", path)
	}
	copies := int(math.Ceil(duration / src))
	if copies < 1 {
		copies = 1
	}

	return f.atomically(out, func(tmp string) error {
		var args []string
		for i := 0; i < copies; i++ {
			args = append(args, "-i", path)
		}

		// Chain the copies with short crossfades so the loop seams never
		// click.
		var filters []string
		prev := "0:a"
		for i := 1; i < copies; i++ {
			label := fmt.Sprintf("x%d", i)
			filters = append(filters, fmt.Sprintf("[%s][%d:a]acrossfade=d=%s:c1=tri:c2=tri[%s]",
				prev, i, formatSeconds(loopCrossfade), label))
			prev = label
		}
		filters = append(filters, fmt.Sprintf("[%s]atrim=0:%s,%s[outa]",
			prev, formatSeconds(duration), AudioResampler))

		args = append(args,
			"-filter_complex", strings.Join(filters, ";"),
			"-map", "[outa]",
			"-c:a", AudioCodec,
			"-b:a", AudioBitrate,
			"-q:a", AudioQuality,
			"-ar", AudioSampleRate,
			"-ac", AudioChannels,
			"-y", tmp,
		)
		return f.run(ctx, "extend", args...)
	})
}

func (f *FFmpeg) StretchToDuration(ctx context.Context, path string, duration float64, out string) error {
	src, err := f.GetDuration(ctx, path)
	if err != nil {
		return err
	}
	if duration <= 0 {
		return fmt.Errorf("stretch %s: target duration must be positive", path)
	}
	ratio := src / duration
	if ratio < MinStretchRatio-1e-9 || ratio > MaxStretchRatio+1e-9 {
		return fmt.Errorf("%w: %0.3f not in [%0.2f, %0.2f]", ErrScalingRefused, ratio, MinStretchRatio, MaxStretchRatio)
	}

	// atempo changes speed without pitch shift inside its 0.5..2.0 range,
	// which covers the whole clamp.
	return f.atomically(out, func(tmp string) error {
		filter := fmt.Sprintf("atempo=%0.6f,%s", ratio, AudioResampler)
		return f.run(ctx, "stretch",
			"-i", path,
			"-af", filter,
			"-c:a", AudioCodec,
			"-b:a", AudioBitrate,
			"-q:a", AudioQuality,
			"-ar", AudioSampleRate,
			"-ac", AudioChannels,
			"-y", tmp,
		)
	})
}

func (f *FFmpeg) ApplyVolumeCurve(ctx context.Context, path string, segments []VolumeSegment, totalDuration float64, out string) error {
	expr := volumeExpression(segments)
	return f.atomically(out, func(tmp string) error {
		filter := fmt.Sprintf("volume='%s':eval=frame,%s", expr, AudioResampler)
		args := []string{"-i", path}
		if totalDuration > 0 {
			args = append(args, "-t", formatSeconds(totalDuration))
		}
		args = append(args,
			"-af", filter,
			"-c:a", AudioCodec,
			"-b:a", AudioBitrate,
			"-q:a", AudioQuality,
			"-ar", AudioSampleRate,
			"-ac", AudioChannels,
			"-y", tmp,
		)
		return f.run(ctx, "volume curve", args...)
	})
}

// volumeExpression renders segments as a nested if() chain with short
// linear ramps at each boundary. Outside any segment the gain is 1.
func volumeExpression(segments []VolumeSegment) string {
	expr := "1"
	// Build from the last segment inward so earlier segments take priority.
	for i := len(segments) - 1; i >= 0; i-- {
		s := segments[i]
		ramped := fmt.Sprintf(
			"if(lt(t,%[1]s+%[3]s),lerp(1,%[4]s,(t-%[1]s)/%[3]s),if(gt(t,%[2]s-%[3]s),lerp(%[4]s,1,(t-%[2]s+%[3]s)/%[3]s),%[4]s))",
			formatSeconds(s.Start), formatSeconds(s.End), formatSeconds(curveFade), formatFloat(s.Multiplier),
		)
		expr = fmt.Sprintf("if(between(t,%s,%s),%s,%s)",
			formatSeconds(s.Start), formatSeconds(s.End), ramped, expr)
	}
	return expr
}

// loudnormMeasurement is the JSON block loudnorm prints in measure mode.
type loudnormMeasurement struct {
	InputI string `json:"input_i"`
}

func (f *FFmpeg) MeasureLoudness(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", path,
		"-af", "loudnorm=print_format=json",
		"-f", "null", "-",
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	cmd.Stdout = nil
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("%w: ffmpeg loudnorm on %s: %v\n%s", ErrLoudnessMeasure, path, err, tail(stderr.String()))
	}

	// The JSON block is the last {...} in stderr.
	raw := stderr.String()
	start := strings.LastIndex(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return 0, fmt.Errorf("%w: no measurement block in ffmpeg output", ErrLoudnessMeasure)
	}
	var m loudnormMeasurement
	if err := json.Unmarshal([]byte(raw[start:end+1]), &m); err != nil {
		return 0, fmt.Errorf("%w: parse measurement: %v", ErrLoudnessMeasure, err)
	}
	lufs, err := strconv.ParseFloat(m.InputI, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse input_i %q: %v", ErrLoudnessMeasure, m.InputI, err)
	}
	return lufs, nil
}

func (f *FFmpeg) Mix(ctx context.Context, opts MixOptions, out string) error {
	if opts.MusicPath == "" && opts.VoicePath == "" {
		return fmt.Errorf("mix: no inputs")
	}
	return f.atomically(out, func(tmp string) error {
		args, err := buildMixArgs(opts, tmp)
		if err != nil {
			return err
		}
		return f.run(ctx, "mix", args...)
	})
}

// buildMixArgs assembles the filter graph for one mix.
func buildMixArgs(opts MixOptions, out string) ([]string, error) {
	var args []string
	var filters []string

	voiceIdx, musicIdx := -1, -1
	n := 0
	if opts.VoicePath != "" {
		args = append(args, "-i", opts.VoicePath)
		voiceIdx, n = n, n+1
	}
	if opts.MusicPath != "" {
		args = append(args, "-i", opts.MusicPath)
		musicIdx, n = n, n+1
	}

	if opts.VoicePath != "" {
		fadeIn := clampF(opts.FadeIn, MinFadeIn, MaxFadeIn)
		fadeOut := clampF(opts.FadeOut, MinFadeOut, MaxFadeOut)
		curve := opts.FadeCurve
		if curve == "" {
			curve = FadeQsin
		}
		vol := opts.VoiceVolume
		if vol <= 0 {
			vol = 1
		}
		delayMs := int(math.Round(opts.VoiceDelay * 1000))
		filters = append(filters, fmt.Sprintf(
			"[%d:a]adelay=%d|%d,volume=%s,afade=t=in:st=%s:d=%s:curve=%s,afade=t=out:d=%s:curve=%s[voice]",
			voiceIdx, delayMs, delayMs, formatFloat(vol),
			formatSeconds(opts.VoiceDelay), formatSeconds(fadeIn), curve,
			formatSeconds(fadeOut), curve,
		))
	}

	if opts.MusicPath != "" {
		vol := opts.MusicVolume
		if vol <= 0 {
			vol = 1
		}
		filters = append(filters, fmt.Sprintf("[%d:a]volume=%s[music]", musicIdx, formatFloat(vol)))
	}

	outLabel := ""
	switch {
	case voiceIdx >= 0 && musicIdx >= 0 && opts.AudioDucking:
		amount := opts.DuckingAmount
		if amount <= 0 {
			amount = 0.5
		}
		// Sidechain keyed on the voice: the deeper the duck, the higher the
		// compression ratio.
		ratio := 2 + amount*10
		filters = append(filters,
			fmt.Sprintf("[music][voice]sidechaincompress=threshold=0.05:ratio=%0.1f:attack=20:release=300[bed]", ratio),
			"[bed][voice]amix=inputs=2:duration=longest:normalize=0[mixed]",
		)
		outLabel = "mixed"
	case voiceIdx >= 0 && musicIdx >= 0:
		filters = append(filters, "[music][voice]amix=inputs=2:duration=longest:normalize=0[mixed]")
		outLabel = "mixed"
	case musicIdx >= 0:
		outLabel = "music"
	default:
		outLabel = "voice"
	}

	post := outLabel
	if opts.NormalizeLoudness {
		target := opts.LoudnessTargetLUFS
		if target == 0 {
			target = -16
		}
		tp := opts.LoudnessTruePeak
		if tp == 0 {
			tp = -1.5
		}
		filters = append(filters, fmt.Sprintf("[%s]loudnorm=I=%s:TP=%s:LRA=11[norm]",
			post, formatFloat(target), formatFloat(tp)))
		post = "norm"
	}
	if opts.MaxDuration > 0 {
		fadeStart := opts.MaxDuration - 0.5
		if fadeStart < 0 {
			fadeStart = 0
		}
		filters = append(filters, fmt.Sprintf("[%s]afade=t=out:st=%s:d=0.5,atrim=0:%s[cut]",
			post, formatSeconds(fadeStart), formatSeconds(opts.MaxDuration)))
		post = "cut"
	}

	args = append(args,
		"-filter_complex", strings.Join(filters, ";"),
		"-map", "["+post+"]",
		"-c:a", AudioCodec,
		"-b:a", AudioBitrate,
		"-q:a", AudioQuality,
		"-ar", AudioSampleRate,
		"-ac", AudioChannels,
		"-y", out,
	)
	return args, nil
}

// masterChains are the EQ/compression voicings per preset.
var masterChains = map[MasterPreset]string{
	PresetBalanced:      "highpass=f=40,acompressor=threshold=-18dB:ratio=2.5:attack=10:release=200:makeup=2",
	PresetVoiceEnhanced: "highpass=f=60,equalizer=f=2500:t=q:w=1:g=2,acompressor=threshold=-20dB:ratio=3:attack=5:release=150:makeup=3",
	PresetMusicEnhanced: "highpass=f=30,equalizer=f=90:t=q:w=1:g=2,equalizer=f=8000:t=q:w=1:g=1.5,acompressor=threshold=-16dB:ratio=2:attack=15:release=250:makeup=2",
}

func (f *FFmpeg) Master(ctx context.Context, path string, preset MasterPreset, loudness LoudnessPreset, out string) error {
	chain, ok := masterChains[preset]
	if !ok {
		return fmt.Errorf("unknown master preset %q", preset)
	}
	target := loudness.TargetLUFS()
	return f.atomically(out, func(tmp string) error {
		filter := fmt.Sprintf("%s,loudnorm=I=%s:TP=-1.0:LRA=9,alimiter=limit=0.95,%s",
			chain, formatFloat(target), AudioResampler)
		return f.run(ctx, "master",
			"-i", path,
			"-af", filter,
			"-c:a", AudioCodec,
			"-b:a", AudioBitrate,
			"-q:a", AudioQuality,
			"-ar", AudioSampleRate,
			"-ac", AudioChannels,
			"-y", tmp,
		)
	})
}

// DecodePCM extracts mono float samples for the music analyzer.
func (f *FFmpeg) DecodePCM(ctx context.Context, path string) ([]float64, int, error) {
	out, err := exec.CommandContext(ctx, "ffmpeg",
		"-i", path,
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ac", "1",
		"-ar", strconv.Itoa(analysisSampleRate),
		"pipe:1",
	).Output()
	if err != nil {
		return nil, 0, fmt.Errorf("ffmpeg pcm decode of %s: %w", path, err)
	}
	samples := make([]float64, len(out)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(out[i*4:])
		samples[i] = float64(math.Float32frombits(bits))
	}
	return samples, analysisSampleRate, nil
}

// run executes ffmpeg with stderr capture, in the teacher style of the
// concat assembler.
func (f *FFmpeg) run(ctx context.Context, op string, args ...string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	cmd.Stdout = nil
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s failed: %w\n%s", op, err, tail(stderr.String()))
	}
	return nil
}

// atomically writes through a temp file in the output's directory and
// renames on success, so a failed operation never leaves a partial output.
func (f *FFmpeg) atomically(out string, fn func(tmp string) error) error {
	dir := filepath.Dir(out)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".adforge-*"+filepath.Ext(out))
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := fn(tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}

	info, err := os.Stat(tmpPath)
	if err != nil || info.Size() == 0 {
		os.Remove(tmpPath)
		return fmt.Errorf("output not produced for %s", out)
	}
	if err := os.Rename(tmpPath, out); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize %s: %w", out, err)
	}
	return nil
}

// tail keeps the last few lines of ffmpeg stderr for error messages.
func tail(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > 6 {
		lines = lines[len(lines)-6:]
	}
	return strings.Join(lines, "\n")
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
