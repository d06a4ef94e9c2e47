package audio

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Band layout: linear from 50 Hz to 800 Hz where speech fundamentals sit,
// logarithmic above that up to 16 kHz or Nyquist.
const (
	linearMinFreq = 50.0
	splitFreq     = 800.0
	logMaxFreq    = 16000.0

	// DefaultBandCount is the band count sent in FrequencyBands packets
	DefaultBandCount = 32
	// DefaultFFTSize is the analysis window in samples
	DefaultFFTSize = 1024
)

// Spectrum is a per-band summary of one analysis window.
type Spectrum struct {
	Bands       []float32
	TotalEnergy float32 // sum of squared band amplitudes
}

type band struct {
	low, high float64
}

// Analyzer turns sample chunks into band amplitudes. It reuses its buffers
// and is not safe for concurrent use.
type Analyzer struct {
	sampleRate int
	fft        *fourier.FFT
	bands      []band

	buf    []float64
	coeffs []complex128
	mags   []float64
	freqs  []float64
}

// NewAnalyzer creates an analyzer for the given sample rate
func NewAnalyzer(sampleRate, fftSize, bandCount int) (*Analyzer, error) {
	if sampleRate <= 2*splitFreq {
		return nil, fmt.Errorf("sample rate must exceed %d Hz, got %d", int(2*splitFreq), sampleRate)
	}
	if fftSize < 64 {
		return nil, fmt.Errorf("fft size must be at least 64, got %d", fftSize)
	}
	if bandCount < 2 {
		return nil, fmt.Errorf("band count must be at least 2, got %d", bandCount)
	}

	a := &Analyzer{
		sampleRate: sampleRate,
		fft:        fourier.NewFFT(fftSize),
		bands:      bandLayout(bandCount, math.Min(logMaxFreq, float64(sampleRate)/2)),
		buf:        make([]float64, fftSize),
		coeffs:     make([]complex128, fftSize/2+1),
		mags:       make([]float64, fftSize/2+1),
		freqs:      make([]float64, fftSize/2+1),
	}
	for i := range a.freqs {
		a.freqs[i] = a.fft.Freq(i) * float64(sampleRate)
	}
	return a, nil
}

func bandLayout(count int, maxFreq float64) []band {
	linear := count * 5 / 16
	logCount := count - linear
	bands := make([]band, 0, count)

	for i := 0; i < linear; i++ {
		t1 := float64(i) / float64(linear)
		t2 := float64(i+1) / float64(linear)
		bands = append(bands, band{
			low:  linearMinFreq + t1*(splitFreq-linearMinFreq),
			high: linearMinFreq + t2*(splitFreq-linearMinFreq),
		})
	}

	logMin, logMax := math.Log(splitFreq), math.Log(maxFreq)
	for i := 0; i < logCount; i++ {
		t1 := float64(i) / float64(logCount)
		t2 := float64(i+1) / float64(logCount)
		bands = append(bands, band{
			low:  math.Exp(logMin + t1*(logMax-logMin)),
			high: math.Exp(logMin + t2*(logMax-logMin)),
		})
	}
	return bands
}

// SampleRate returns the rate the analyzer was built for
func (a *Analyzer) SampleRate() int {
	return a.sampleRate
}

// BandCount returns the number of bands produced
func (a *Analyzer) BandCount() int {
	return len(a.bands)
}

// FFTSize returns the analysis window length in samples
func (a *Analyzer) FFTSize() int {
	return len(a.buf)
}

// Analyze computes band amplitudes over the most recent FFT-size samples,
// zero-padding shorter input.
func (a *Analyzer) Analyze(samples []float32) Spectrum {
	out := Spectrum{Bands: make([]float32, len(a.bands))}
	if len(samples) == 0 {
		return out
	}

	n := len(a.buf)
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	for i := range a.buf {
		a.buf[i] = 0
	}
	for i, s := range samples {
		a.buf[i] = float64(s)
	}

	window.Hann(a.buf)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.buf)

	norm := 1 / math.Sqrt(float64(n))
	for i, c := range a.coeffs {
		a.mags[i] = cmplx.Abs(c) * norm
	}

	var energy float64
	for i, b := range a.bands {
		amp := a.bandAmplitude(b)
		out.Bands[i] = float32(amp)
		energy += amp * amp
	}
	out.TotalEnergy = float32(energy)
	return out
}

// bandAmplitude is a weighted mean of bin magnitudes: bins inside the band
// count fully, nearby bins fall off quadratically out to 1.5 band widths
// from the centre so narrow bands never come out empty.
func (a *Analyzer) bandAmplitude(b band) float64 {
	center := (b.low + b.high) / 2
	reach := (b.high - b.low) * 1.5

	var sum, weights float64
	for i, f := range a.freqs {
		var w float64
		if f >= b.low && f <= b.high {
			w = 1
		} else if d := math.Abs(f - center); d <= reach {
			nd := d / reach
			w = 1 - nd*nd
		}
		if w > 0 {
			sum += a.mags[i] * w
			weights += w
		}
	}

	if weights == 0 {
		return 0
	}
	return sum / weights
}
