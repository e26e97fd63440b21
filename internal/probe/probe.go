// Package probe detects the compute device and the optional capabilities that
// gate attention kernels.
package probe

import (
	"errors"
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"slices"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/example/go-attnbench/internal/device"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// ErrNoDevice is returned when no compatible compute device is found.
var ErrNoDevice = errors.New("probe: no compatible device")

// Capability names an optional feature an attention kernel may require.
type Capability string

const (
	FMA         Capability = "fma"
	Multicore   Capability = "multicore"
	ONNXRuntime Capability = "onnxruntime"
	Specialize  Capability = "specialize"
)

// Capabilities lists every known capability in report order.
func Capabilities() []Capability {
	return []Capability{FMA, Multicore, ONNXRuntime, Specialize}
}

// ParseCapability validates a capability name.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Capabilities(), c) {
		return "", fmt.Errorf("probe: unknown capability %q", s)
	}

	return c, nil
}

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each probe.
type Config struct {
	// DeviceKind selects the device; only "cpu" is supported.
	DeviceKind string
	// Disabled masks capabilities regardless of what the host supports.
	Disabled []string
	// Specialize enables autotuned kernel variants.
	Specialize bool
	// HasFMA reports hardware fused multiply-add.
	HasFMA func() bool
	// NumCPU returns the logical CPU count.
	NumCPU func() int
	// ORTVersion loads ONNX Runtime and reports its version. Nil means not configured.
	ORTVersion VersionFunc
	// ORTModelPath is the attention graph the ONNX Runtime kernel executes.
	ORTModelPath string
	// GoVersion returns the host runtime version.
	GoVersion func() string
}

// DefaultConfig wires the host probes.
func DefaultConfig() Config {
	return Config{
		DeviceKind: "cpu",
		Specialize: true,
		HasFMA:     hostHasFMA,
		NumCPU:     goruntime.NumCPU,
		GoVersion:  goruntime.Version,
	}
}

func hostHasFMA() bool {
	switch goruntime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasFMA
	case "arm64":
		// FMLA is part of the base ARMv8 SIMD set.
		return cpu.ARM64.HasASIMD
	default:
		return false
	}
}

// Status is the outcome of one capability probe.
type Status struct {
	Available bool
	Detail    string
}

// Report is the immutable result of Detect.
type Report struct {
	Device  device.Info
	Runtime string
	NumCPU  int
	caps    map[Capability]Status
}

// NewReport builds a report directly, for callers that do not probe the host.
func NewReport(info device.Info, available ...Capability) Report {
	r := Report{Device: info, caps: make(map[Capability]Status)}
	for _, c := range available {
		r.caps[c] = Status{Available: true}
	}

	return r
}

func (r Report) Has(c Capability) bool {
	return r.caps[c].Available
}

func (r Report) Status(c Capability) Status {
	return r.caps[c]
}

// Missing returns the capabilities in req that r lacks.
func (r Report) Missing(req []Capability) []Capability {
	var out []Capability

	for _, c := range req {
		if !r.Has(c) {
			out = append(out, c)
		}
	}

	return out
}

// Detect probes the host once. It fails only when no compatible device exists.
func Detect(cfg Config) (Report, error) {
	def := DefaultConfig()
	if cfg.HasFMA == nil {
		cfg.HasFMA = def.HasFMA
	}

	if cfg.NumCPU == nil {
		cfg.NumCPU = def.NumCPU
	}

	if cfg.GoVersion == nil {
		cfg.GoVersion = def.GoVersion
	}

	kind := strings.ToLower(strings.TrimSpace(cfg.DeviceKind))
	if kind == "" {
		kind = "cpu"
	}

	if kind != "cpu" {
		return Report{}, fmt.Errorf("%w: device kind %q not supported (want cpu)", ErrNoDevice, cfg.DeviceKind)
	}

	n := cfg.NumCPU()
	if n < 1 {
		return Report{}, fmt.Errorf("%w: host reports %d CPUs", ErrNoDevice, n)
	}

	r := Report{
		Device: device.Info{
			Kind: kind,
			Name: fmt.Sprintf("%s/%s, %d logical CPUs", goruntime.GOOS, goruntime.GOARCH, n),
		},
		Runtime: cfg.GoVersion(),
		NumCPU:  n,
		caps:    make(map[Capability]Status),
	}

	if cfg.HasFMA() {
		r.caps[FMA] = Status{Available: true, Detail: "hardware fused multiply-add"}
	} else {
		r.caps[FMA] = Status{Detail: "no hardware fused multiply-add"}
	}

	if n >= 2 {
		r.caps[Multicore] = Status{Available: true, Detail: fmt.Sprintf("%d workers", n)}
	} else {
		r.caps[Multicore] = Status{Detail: "single CPU"}
	}

	r.caps[ONNXRuntime] = probeORT(cfg)

	if cfg.Specialize {
		r.caps[Specialize] = Status{Available: true, Detail: "autotuned variants enabled"}
	} else {
		r.caps[Specialize] = Status{Detail: "disabled by kernels.specialize"}
	}

	for _, name := range cfg.Disabled {
		c, err := ParseCapability(name)
		if err != nil {
			return Report{}, err
		}

		r.caps[c] = Status{Detail: "disabled by configuration"}
	}

	return r, nil
}

func probeORT(cfg Config) Status {
	if cfg.ORTVersion == nil {
		return Status{Detail: "not configured"}
	}

	ver, err := cfg.ORTVersion()
	if err != nil {
		return Status{Detail: err.Error()}
	}

	if cfg.ORTModelPath == "" {
		return Status{Detail: fmt.Sprintf("runtime %s, no attention model configured", ver)}
	}

	if _, err := os.Stat(cfg.ORTModelPath); err != nil {
		return Status{Detail: fmt.Sprintf("runtime %s, model: %v", ver, err)}
	}

	return Status{Available: true, Detail: "runtime " + ver}
}

// Print writes the device header and one line per capability to w.
func Print(r Report, w io.Writer) {
	fmt.Fprintf(w, "%s device: %s (%s)\n", PassMark, r.Device.Kind, r.Device.Name)
	fmt.Fprintf(w, "%s runtime: %s\n", PassMark, r.Runtime)

	for _, c := range Capabilities() {
		st := r.Status(c)

		mark := FailMark
		if st.Available {
			mark = PassMark
		}

		if st.Detail == "" {
			fmt.Fprintf(w, "%s %s\n", mark, c)
			continue
		}

		fmt.Fprintf(w, "%s %s: %s\n", mark, c, st.Detail)
	}
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

// Check reports configuration the host cannot honour: capabilities the user
// explicitly asked for that the probe found unavailable.
func Check(r Report, requested []Capability) Result {
	var res Result

	for _, c := range requested {
		if st := r.Status(c); !st.Available {
			res.AddFailure(fmt.Sprintf("%s: %s", c, st.Detail))
		}
	}

	return res
}
