//go:build darwin && cgo

package infra

/*
#cgo LDFLAGS: -framework IOKit -framework CoreFoundation
#include <stdlib.h>
#include <IOKit/pwr_mgt/IOPMLib.h>
#include <CoreFoundation/CoreFoundation.h>

static IOReturn createAssertion(const char *reason, IOPMAssertionID *assertionID) {
    CFStringRef name = CFStringCreateWithCString(kCFAllocatorDefault, reason, kCFStringEncodingUTF8);
    if (name == NULL) {
        return kIOReturnBadArgument;
    }
    IOReturn result = IOPMAssertionCreateWithName(
        kIOPMAssertionTypePreventUserIdleSystemSleep,
        kIOPMAssertionLevelOn,
        name,
        assertionID
    );
    CFRelease(name);
    return result;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

// InhibitorIOKit is the IOPM assertion backend.
const InhibitorIOKit = "iokit"

func init() {
	platformInhibitors[InhibitorIOKit] = func(logger *zap.Logger) domain.InhibitProvider {
		return NewIOKitProvider(logger)
	}
	defaultInhibitor = InhibitorIOKit
}

// IOKitProvider implements domain.InhibitProvider with IOPM power
// assertions. Set creates an assertion, Clear releases it.
type IOKitProvider struct {
	logger *zap.Logger
}

// NewIOKitProvider creates an IOPM assertion provider.
func NewIOKitProvider(logger *zap.Logger) *IOKitProvider {
	return &IOKitProvider{logger: logger}
}

func (p *IOKitProvider) Name() string { return InhibitorIOKit }

// Create never touches IOKit; the assertion only exists while set.
func (p *IOKitProvider) Create(reason string) (domain.InhibitHandle, error) {
	return &iokitAssertion{reason: reason, logger: p.logger}, nil
}

type iokitAssertion struct {
	mu     sync.Mutex
	reason string
	id     C.IOPMAssertionID
	active bool
	closed bool
	logger *zap.Logger
}

// Set is a no-op while an assertion is already held.
func (a *iokitAssertion) Set() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return domain.ErrHandleDisposed
	}
	if a.active {
		return nil
	}

	reason := C.CString(a.reason)
	defer C.free(unsafe.Pointer(reason))

	var id C.IOPMAssertionID
	if result := C.createAssertion(reason, &id); result != C.kIOReturnSuccess {
		return domain.NewSystemCallError("IOPMAssertionCreateWithName", domain.ErrSetInhibit,
			fmt.Errorf("IOReturn=%d", int(result)))
	}
	a.id, a.active = id, true
	a.logger.Debug("power assertion created", zap.Uint32("assertion_id", uint32(id)))
	return nil
}

func (a *iokitAssertion) Clear() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return domain.ErrHandleDisposed
	}
	return a.releaseLocked()
}

func (a *iokitAssertion) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return domain.ErrHandleDisposed
	}
	a.closed = true
	return a.releaseLocked()
}

func (a *iokitAssertion) releaseLocked() error {
	if !a.active {
		return nil
	}
	if result := C.IOPMAssertionRelease(a.id); result != C.kIOReturnSuccess {
		return domain.NewSystemCallError("IOPMAssertionRelease", domain.ErrClearInhibit,
			fmt.Errorf("IOReturn=%d", int(result)))
	}
	a.logger.Debug("power assertion released", zap.Uint32("assertion_id", uint32(a.id)))
	a.id, a.active = 0, false
	return nil
}

// Ensure IOKitProvider implements domain.InhibitProvider.
var _ domain.InhibitProvider = (*IOKitProvider)(nil)
