// Package wasmcore runs a WebAssembly guest as an emulation backend using
// wazero.
//
// The guest is the game: its module is loaded from [core.Options.Path] or,
// when that is empty, from the first file of the loaded game. It must export
// "memory" and "frame" and may export "init", "reset", "deinit",
// "frame_time" (i64 microseconds), "sample_rate" and "fps" (both i32).
//
// The host functions are imported from module "env":
//
//	audio_sample(left, right i32)
//	audio_push_i16(ptr, frames i32) i32
//	frame_time_us() i64
//	string_handle(ptr, len i32) i64
//	string_read(handle i64, ptr, cap i32) i32
//	directory(kind i32) i64
//	input_state(port, id i32) i32
//	video_refresh(ptr, width, height, pitch i32)
//	log(level, ptr, len i32)
//
// A guest compiled for WASI may also import wasi_snapshot_preview1.
package wasmcore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/MrWong99/retrosync/pkg/core"
)

// Name is the name the WASM backend is registered under.
const Name = "wasm"

// HostModule is the import module name guests link against.
const HostModule = "env"

const (
	defaultSampleRate = 44100
	defaultFPS        = 60
)

var (
	// ErrNoModule is returned by LoadGame when neither a module path nor a
	// game file was given.
	ErrNoModule = errors.New("wasmcore: no guest module to load")

	// ErrMissingExport is returned by LoadGame when the guest lacks a
	// required export.
	ErrMissingExport = errors.New("wasmcore: guest is missing a required export")
)

// Compile-time interface assertions.
var (
	_ core.Backend    = (*Backend)(nil)
	_ core.FrameTimer = (*Backend)(nil)
)

// Backend is a [core.Backend] that drives a WASM guest.
type Backend struct {
	ctx        context.Context
	path       string
	code       []byte
	memPages   uint32
	sampleRate int
	fps        int

	host  core.Host
	rt    wazero.Runtime
	guest api.Module

	frame     api.Function
	reset     api.Function
	deinit    api.Function
	frameTime api.Function

	faulted bool
	pcm     []int16
}

// New is a [core.Factory] for the WASM backend.
//
// Options: "memory_limit_pages" caps guest memory; "sample_rate" and "fps"
// are used when the guest does not export them.
func New(opts core.Options) (core.Backend, error) {
	b := &Backend{
		ctx:        context.Background(),
		path:       opts.Path,
		sampleRate: defaultSampleRate,
		fps:        defaultFPS,
	}
	for key, dst := range map[string]*int{"sample_rate": &b.sampleRate, "fps": &b.fps} {
		v := opts.Values[key]
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("wasmcore: option %s must be a positive integer, got %q", key, v)
		}
		*dst = n
	}
	if v := opts.Values["memory_limit_pages"]; v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 || n > 65536 {
			return nil, fmt.Errorf("wasmcore: option memory_limit_pages must be in [1, 65536], got %q", v)
		}
		b.memPages = uint32(n)
	}
	return b, nil
}

// NewFromBytes returns a backend that runs code instead of reading a module
// from disk.
func NewFromBytes(code []byte, opts core.Options) (*Backend, error) {
	be, err := New(opts)
	if err != nil {
		return nil, err
	}
	b := be.(*Backend)
	b.code = code
	return b, nil
}

// Init implements [core.Backend]. It creates the wazero runtime and the
// host module; the guest itself is loaded by LoadGame.
func (b *Backend) Init(host core.Host) error {
	b.host = host

	cfg := wazero.NewRuntimeConfig()
	if b.memPages > 0 {
		cfg = cfg.WithMemoryLimitPages(b.memPages)
	}
	b.rt = wazero.NewRuntimeWithConfig(b.ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(b.ctx, b.rt); err != nil {
		b.closeRuntime()
		return fmt.Errorf("wasmcore: instantiate WASI: %w", err)
	}
	if err := b.instantiateHost(); err != nil {
		b.closeRuntime()
		return fmt.Errorf("wasmcore: instantiate host module: %w", err)
	}
	return nil
}

func (b *Backend) instantiateHost() error {
	i32, i64 := api.ValueTypeI32, api.ValueTypeI64
	type hostFunc struct {
		name    string
		fn      api.GoModuleFunc
		params  []api.ValueType
		results []api.ValueType
	}
	funcs := []hostFunc{
		{"audio_sample", b.audioSample, []api.ValueType{i32, i32}, nil},
		{"audio_push_i16", b.audioPush, []api.ValueType{i32, i32}, []api.ValueType{i32}},
		{"frame_time_us", b.frameTimeUS, nil, []api.ValueType{i64}},
		{"string_handle", b.stringHandle, []api.ValueType{i32, i32}, []api.ValueType{i64}},
		{"string_read", b.stringRead, []api.ValueType{i64, i32, i32}, []api.ValueType{i32}},
		{"directory", b.directory, []api.ValueType{i32}, []api.ValueType{i64}},
		{"input_state", b.inputState, []api.ValueType{i32, i32}, []api.ValueType{i32}},
		{"video_refresh", b.videoRefresh, []api.ValueType{i32, i32, i32, i32}, nil},
		{"log", b.log, []api.ValueType{i32, i32, i32}, nil},
	}

	builder := b.rt.NewHostModuleBuilder(HostModule)
	for _, f := range funcs {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(f.fn, f.params, f.results).
			Export(f.name)
	}
	_, err := builder.Instantiate(b.ctx)
	return err
}

// LoadGame implements [core.Backend]. It compiles and instantiates the guest,
// then calls its optional "init" export.
func (b *Backend) LoadGame(game core.GameInfo) error {
	code, err := b.moduleBytes(game)
	if err != nil {
		return err
	}
	compiled, err := b.rt.CompileModule(b.ctx, code)
	if err != nil {
		return fmt.Errorf("wasmcore: compile guest: %w", err)
	}
	guest, err := b.rt.InstantiateModule(b.ctx, compiled,
		wazero.NewModuleConfig().WithName("guest").WithStartFunctions("_initialize"))
	if err != nil {
		return fmt.Errorf("wasmcore: instantiate guest: %w", err)
	}
	b.guest = guest

	if guest.Memory() == nil {
		b.closeGuest()
		return fmt.Errorf("%w: memory", ErrMissingExport)
	}
	if b.frame = guest.ExportedFunction("frame"); b.frame == nil {
		b.closeGuest()
		return fmt.Errorf("%w: frame", ErrMissingExport)
	}
	b.reset = guest.ExportedFunction("reset")
	b.deinit = guest.ExportedFunction("deinit")
	b.frameTime = guest.ExportedFunction("frame_time")

	if n, ok := b.callI32("sample_rate"); ok && n > 0 {
		b.sampleRate = int(n)
	}
	if n, ok := b.callI32("fps"); ok && n > 0 {
		b.fps = int(n)
	}

	if fn := guest.ExportedFunction("init"); fn != nil {
		if _, err := fn.Call(b.ctx); err != nil {
			b.closeGuest()
			return fmt.Errorf("wasmcore: guest init: %w", err)
		}
	}
	b.faulted = false
	return nil
}

func (b *Backend) moduleBytes(game core.GameInfo) ([]byte, error) {
	if b.code != nil {
		return b.code, nil
	}
	path := b.path
	if path == "" {
		if len(game.Files) == 0 {
			return nil, ErrNoModule
		}
		path = game.Files[0]
		if !filepath.IsAbs(path) && game.Dir != "" {
			path = filepath.Join(game.Dir, path)
		}
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasmcore: read guest: %w", err)
	}
	return code, nil
}

func (b *Backend) callI32(name string) (int32, bool) {
	fn := b.guest.ExportedFunction(name)
	if fn == nil {
		return 0, false
	}
	res, err := fn.Call(b.ctx)
	if err != nil || len(res) != 1 {
		return 0, false
	}
	return api.DecodeI32(res[0]), true
}

// AVInfo implements [core.Backend].
func (b *Backend) AVInfo() core.AVInfo {
	return core.AVInfo{FPS: float64(b.fps), SampleRate: b.sampleRate}
}

// FrameTime implements [core.FrameTimer]. It is forwarded to the guest's
// "frame_time" export when present.
func (b *Backend) FrameTime(usec int64) {
	if b.frameTime == nil || b.faulted {
		return
	}
	if _, err := b.frameTime.Call(b.ctx, api.EncodeI64(usec)); err != nil {
		b.fault("frame_time", err)
	}
}

// Run implements [core.Backend]. A guest trap is logged once and stops
// further frames until the game is reloaded.
func (b *Backend) Run() {
	if b.frame == nil || b.faulted {
		return
	}
	if _, err := b.frame.Call(b.ctx); err != nil {
		b.fault("frame", err)
	}
}

func (b *Backend) fault(export string, err error) {
	b.faulted = true
	b.host.Log(core.LogError, fmt.Sprintf("wasmcore: guest %s trapped: %v", export, err))
}

// Reset implements [core.Backend].
func (b *Backend) Reset() {
	if b.reset == nil {
		return
	}
	if _, err := b.reset.Call(b.ctx); err != nil {
		b.fault("reset", err)
		return
	}
	b.faulted = false
}

// UnloadGame implements [core.Backend].
func (b *Backend) UnloadGame() {
	if b.deinit != nil && !b.faulted {
		if _, err := b.deinit.Call(b.ctx); err != nil {
			b.host.Log(core.LogWarn, "wasmcore: guest deinit: "+err.Error())
		}
	}
	b.closeGuest()
}

// Deinit implements [core.Backend].
func (b *Backend) Deinit() {
	b.closeGuest()
	b.closeRuntime()
	b.host = nil
}

func (b *Backend) closeGuest() {
	if b.guest != nil {
		_ = b.guest.Close(b.ctx)
	}
	b.guest = nil
	b.frame, b.reset, b.deinit, b.frameTime = nil, nil, nil, nil
}

func (b *Backend) closeRuntime() {
	if b.rt != nil {
		_ = b.rt.Close(b.ctx)
	}
	b.rt = nil
}

// --- host functions ---

func (b *Backend) audioSample(_ context.Context, _ api.Module, stack []uint64) {
	b.host.AudioSample(int16(api.DecodeI32(stack[0])), int16(api.DecodeI32(stack[1])))
}

func (b *Backend) audioPush(_ context.Context, mod api.Module, stack []uint64) {
	ptr, frames := api.DecodeU32(stack[0]), api.DecodeI32(stack[1])
	if frames <= 0 {
		stack[0] = 0
		return
	}
	size := uint64(frames) * 4
	if size > uint64(mod.Memory().Size()) {
		stack[0] = 0
		return
	}
	raw, ok := mod.Memory().Read(ptr, uint32(size))
	if !ok {
		stack[0] = 0
		return
	}
	n := int(frames) * 2
	if cap(b.pcm) < n {
		b.pcm = make([]int16, n)
	}
	pcm := b.pcm[:n]
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	stack[0] = api.EncodeI32(int32(b.host.AudioSampleBatch(pcm)))
}

func (b *Backend) frameTimeUS(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeI64(b.host.FrameTimeMicros())
}

func (b *Backend) stringHandle(_ context.Context, mod api.Module, stack []uint64) {
	raw, ok := mod.Memory().Read(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !ok {
		stack[0] = 0
		return
	}
	stack[0] = uint64(b.host.StringHandle(string(raw)))
}

// stringRead copies up to cap bytes of the NUL-terminated string behind the
// handle into guest memory and returns its full length including the NUL,
// or -1 for a stale handle.
func (b *Backend) stringRead(_ context.Context, mod api.Module, stack []uint64) {
	h, ptr, capacity := core.StringHandle(stack[0]), api.DecodeU32(stack[1]), api.DecodeI32(stack[2])
	data, ok := b.host.ResolveString(h)
	if !ok {
		stack[0] = api.EncodeI32(-1)
		return
	}
	n := min(len(data), max(int(capacity), 0))
	if n > 0 && !mod.Memory().Write(ptr, data[:n]) {
		stack[0] = api.EncodeI32(-1)
		return
	}
	stack[0] = api.EncodeI32(int32(len(data)))
}

func (b *Backend) directory(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = uint64(b.host.Directory(core.Directory(api.DecodeI32(stack[0]))))
}

func (b *Backend) inputState(_ context.Context, _ api.Module, stack []uint64) {
	port, id := int(api.DecodeI32(stack[0])), int(api.DecodeI32(stack[1]))
	stack[0] = api.EncodeI32(int32(b.host.InputState(port, id)))
}

func (b *Backend) videoRefresh(_ context.Context, mod api.Module, stack []uint64) {
	ptr := api.DecodeU32(stack[0])
	w, h, pitch := api.DecodeI32(stack[1]), api.DecodeI32(stack[2]), api.DecodeI32(stack[3])
	if w <= 0 || h <= 0 || pitch < w {
		return
	}
	size := uint64(h) * uint64(pitch)
	if size > uint64(mod.Memory().Size()) {
		return
	}
	frame, ok := mod.Memory().Read(ptr, uint32(size))
	if !ok {
		return
	}
	b.host.VideoRefresh(frame, int(w), int(h), int(pitch))
}

func (b *Backend) log(_ context.Context, mod api.Module, stack []uint64) {
	level := core.LogLevel(api.DecodeI32(stack[0]))
	raw, ok := mod.Memory().Read(api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	if !ok {
		return
	}
	b.host.Log(level, string(raw))
}
