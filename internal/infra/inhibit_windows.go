//go:build windows

package infra

import (
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

const defaultInhibitor = "windows"

var platformInhibitors = map[string]providerFactory{
	"windows": func(logger *zap.Logger) domain.InhibitProvider { return NewWindowsProvider(logger) },
}

var (
	modkernel32            = windows.NewLazySystemDLL("kernel32.dll")
	procPowerCreateRequest = modkernel32.NewProc("PowerCreateRequest")
	procPowerSetRequest    = modkernel32.NewProc("PowerSetRequest")
	procPowerClearRequest  = modkernel32.NewProc("PowerClearRequest")
)

const (
	powerRequestSystemRequired = 1 // POWER_REQUEST_TYPE.PowerRequestSystemRequired

	reasonContextVersion      = 0          // POWER_REQUEST_CONTEXT_VERSION
	reasonContextSimpleString = 0x00000001 // POWER_REQUEST_CONTEXT_SIMPLE_STRING
)

// reasonContext mirrors REASON_CONTEXT. The union holds either a simple
// string pointer or the detailed layout; the trailing fields only reserve
// the size of the detailed variant.
type reasonContext struct {
	version       uint32
	flags         uint32
	simpleReason  *uint16
	reasonID      uint32
	reasonCount   uint32
	reasonStrings uintptr
}

// WindowsProvider implements domain.InhibitProvider with kernel32 power
// requests (PowerCreateRequest / PowerSetRequest / PowerClearRequest).
type WindowsProvider struct {
	logger *zap.Logger
}

// NewWindowsProvider creates a power request provider.
func NewWindowsProvider(logger *zap.Logger) *WindowsProvider {
	return &WindowsProvider{logger: logger}
}

func (p *WindowsProvider) Name() string { return "windows" }

// Create calls PowerCreateRequest with a simple reason string.
func (p *WindowsProvider) Create(reason string) (domain.InhibitHandle, error) {
	if err := procPowerCreateRequest.Find(); err != nil {
		return nil, domain.NewSystemCallError("PowerCreateRequest", domain.ErrHandleCreation, err)
	}

	reasonPtr, err := windows.UTF16PtrFromString(reason)
	if err != nil {
		return nil, domain.NewSystemCallError("PowerCreateRequest", domain.ErrHandleCreation, err)
	}
	ctx := reasonContext{
		version:      reasonContextVersion,
		flags:        reasonContextSimpleString,
		simpleReason: reasonPtr,
	}

	r1, _, e1 := procPowerCreateRequest.Call(uintptr(unsafe.Pointer(&ctx)))
	runtime.KeepAlive(reasonPtr)

	h := windows.Handle(r1)
	if h == 0 || h == windows.InvalidHandle {
		return nil, domain.NewSystemCallError("PowerCreateRequest", domain.ErrHandleCreation, lastError(e1))
	}
	return &powerRequest{handle: h}, nil
}

type powerRequest struct {
	mu     sync.Mutex
	handle windows.Handle
	closed bool
}

func (r *powerRequest) Set() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrHandleDisposed
	}

	ok, _, e1 := procPowerSetRequest.Call(uintptr(r.handle), powerRequestSystemRequired)
	if ok == 0 {
		return domain.NewSystemCallError("PowerSetRequest", domain.ErrSetInhibit, lastError(e1))
	}
	return nil
}

func (r *powerRequest) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrHandleDisposed
	}

	ok, _, e1 := procPowerClearRequest.Call(uintptr(r.handle), powerRequestSystemRequired)
	if ok == 0 {
		return domain.NewSystemCallError("PowerClearRequest", domain.ErrClearInhibit, lastError(e1))
	}
	return nil
}

func (r *powerRequest) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrHandleDisposed
	}
	r.closed = true
	return windows.CloseHandle(r.handle)
}

// lastError turns the errno returned by Proc.Call into a usable error.
func lastError(err error) error {
	if errno, ok := err.(syscall.Errno); ok && errno == 0 {
		return syscall.EINVAL
	}
	return err
}

// Ensure WindowsProvider implements domain.InhibitProvider.
var _ domain.InhibitProvider = (*WindowsProvider)(nil)
