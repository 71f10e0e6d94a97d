// Copyright 2025 Joseph Cumines

//go:build darwin

package osfacade

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework ApplicationServices -framework Foundation -framework AppKit -framework CoreGraphics

#include <ApplicationServices/ApplicationServices.h>
#include <Foundation/Foundation.h>
#include <AppKit/AppKit.h>
#include <dlfcn.h>
#include <stdlib.h>

static int ax_is_trusted() {
    return AXIsProcessTrusted();
}

static int ax_is_trusted_with_prompt() {
    NSDictionary *options = @{(__bridge NSString *)kAXTrustedCheckOptionPrompt: @YES};
    return AXIsProcessTrustedWithOptions((__bridge CFDictionaryRef)options);
}

static AXUIElementRef ax_create_application(int pid) {
    return AXUIElementCreateApplication(pid);
}

static CFTypeRef ax_copy_attribute_value(AXUIElementRef element, CFStringRef attribute) {
    CFTypeRef value = NULL;
    AXError err = AXUIElementCopyAttributeValue(element, attribute, &value);
    if (err != kAXErrorSuccess) {
        return NULL;
    }
    return value;
}

static int ax_set_attribute_value(AXUIElementRef element, CFStringRef attribute, CFTypeRef value) {
    AXError err = AXUIElementSetAttributeValue(element, attribute, value);
    return (int)err;
}

static int ax_perform_action(AXUIElementRef element, CFStringRef action) {
    AXError err = AXUIElementPerformAction(element, action);
    return (int)err;
}

static CFArrayRef ax_copy_action_names(AXUIElementRef element) {
    CFArrayRef names = NULL;
    AXError err = AXUIElementCopyActionNames(element, &names);
    if (err != kAXErrorSuccess) {
        return NULL;
    }
    return names;
}

static char *cf_string_to_cstring(CFStringRef str) {
    if (str == NULL) return NULL;
    CFIndex length = CFStringGetLength(str);
    CFIndex maxSize = CFStringGetMaximumSizeForEncoding(length, kCFStringEncodingUTF8) + 1;
    char *buffer = (char *)malloc(maxSize);
    if (buffer == NULL) return NULL;
    if (!CFStringGetCString(str, buffer, maxSize, kCFStringEncodingUTF8)) {
        free(buffer);
        return NULL;
    }
    return buffer;
}

static CFStringRef cstring_to_cf_string(const char *str) {
    return CFStringCreateWithCString(kCFAllocatorDefault, str, kCFStringEncodingUTF8);
}

static int ax_value_get_point(AXValueRef value, double *x, double *y) {
    CGPoint point;
    if (AXValueGetValue(value, kAXValueCGPointType, &point)) {
        *x = point.x;
        *y = point.y;
        return 1;
    }
    return 0;
}

static int ax_value_get_size(AXValueRef value, double *w, double *h) {
    CGSize size;
    if (AXValueGetValue(value, kAXValueCGSizeType, &size)) {
        *w = size.width;
        *h = size.height;
        return 1;
    }
    return 0;
}

static AXValueRef ax_value_create_point(double x, double y) {
    CGPoint point = CGPointMake(x, y);
    return AXValueCreate(kAXValueCGPointType, &point);
}

static AXValueRef ax_value_create_size(double w, double h) {
    CGSize size = CGSizeMake(w, h);
    return AXValueCreate(kAXValueCGSizeType, &size);
}

static int ax_value_is_point(CFTypeRef value) {
    if (CFGetTypeID(value) != AXValueGetTypeID()) return 0;
    return AXValueGetType((AXValueRef)value) == kAXValueCGPointType;
}

static int ax_value_is_size(CFTypeRef value) {
    if (CFGetTypeID(value) != AXValueGetTypeID()) return 0;
    return AXValueGetType((AXValueRef)value) == kAXValueCGSizeType;
}

static int ax_value_is_string(CFTypeRef value) {
    return CFGetTypeID(value) == CFStringGetTypeID();
}

static int ax_value_is_bool(CFTypeRef value) {
    return CFGetTypeID(value) == CFBooleanGetTypeID();
}

static int ax_value_is_element(CFTypeRef value) {
    return CFGetTypeID(value) == AXUIElementGetTypeID();
}

static int ax_value_is_array(CFTypeRef value) {
    return CFGetTypeID(value) == CFArrayGetTypeID();
}

static char *ax_bundle_for_pid(int pid) {
    NSRunningApplication *app = [NSRunningApplication runningApplicationWithProcessIdentifier:pid];
    if (app == nil) return NULL;
    NSString *bundleID = [app bundleIdentifier];
    if (bundleID == nil) return NULL;
    return cf_string_to_cstring((__bridge CFStringRef)bundleID);
}

// Compositor enumeration.

static CFArrayRef cg_window_list_copy_info(int includeOffscreen) {
    CGWindowListOption options = kCGWindowListExcludeDesktopElements;
    if (!includeOffscreen) {
        options |= kCGWindowListOptionOnScreenOnly;
    }
    return CGWindowListCopyWindowInfo(options, kCGNullWindowID);
}

static void cg_window_entry_extract(CFDictionaryRef info,
                                     unsigned int *windowID, int *pid,
                                     double *x, double *y, double *w, double *h,
                                     int *layer, double *alpha, int *onscreen,
                                     int *sharingState, char **title) {
    *windowID = 0; *pid = 0; *x = 0; *y = 0; *w = 0; *h = 0;
    *layer = 0; *alpha = 1; *onscreen = 0; *sharingState = 0; *title = NULL;

    CFNumberRef num = (CFNumberRef)CFDictionaryGetValue(info, kCGWindowNumber);
    if (num) { int v = 0; CFNumberGetValue(num, kCFNumberIntType, &v); *windowID = (unsigned int)v; }

    num = (CFNumberRef)CFDictionaryGetValue(info, kCGWindowOwnerPID);
    if (num) CFNumberGetValue(num, kCFNumberIntType, pid);

    CFDictionaryRef bounds = (CFDictionaryRef)CFDictionaryGetValue(info, kCGWindowBounds);
    if (bounds) {
        CGRect rect = CGRectZero;
        CGRectMakeWithDictionaryRepresentation(bounds, &rect);
        *x = rect.origin.x; *y = rect.origin.y;
        *w = rect.size.width; *h = rect.size.height;
    }

    num = (CFNumberRef)CFDictionaryGetValue(info, kCGWindowLayer);
    if (num) CFNumberGetValue(num, kCFNumberIntType, layer);

    num = (CFNumberRef)CFDictionaryGetValue(info, kCGWindowAlpha);
    if (num) CFNumberGetValue(num, kCFNumberDoubleType, alpha);

    CFBooleanRef b = (CFBooleanRef)CFDictionaryGetValue(info, kCGWindowIsOnscreen);
    if (b) *onscreen = CFBooleanGetValue(b) ? 1 : 0;

    num = (CFNumberRef)CFDictionaryGetValue(info, kCGWindowSharingState);
    if (num) CFNumberGetValue(num, kCFNumberIntType, sharingState);

    CFStringRef name = (CFStringRef)CFDictionaryGetValue(info, kCGWindowName);
    if (name) *title = cf_string_to_cstring(name);
}

// Private window-id bridging symbol. Undocumented; resolved lazily via
// dlsym so the binary still loads on OS versions where it has been
// removed. A NULL result is cached and permanently downgrades callers to
// the geometric heuristic.

typedef AXError (*axGetWindowFunc)(AXUIElementRef, CGWindowID *);

static axGetWindowFunc resolved_ax_get_window = NULL;
static int ax_get_window_resolved = 0;

static int ax_get_window_id(AXUIElementRef element, unsigned int *windowID) {
    if (!ax_get_window_resolved) {
        resolved_ax_get_window = (axGetWindowFunc)dlsym(RTLD_DEFAULT, "_AXUIElementGetWindow");
        ax_get_window_resolved = 1;
    }
    if (resolved_ax_get_window == NULL) {
        return 0;
    }
    CGWindowID wid = 0;
    AXError err = resolved_ax_get_window(element, &wid);
    if (err != kAXErrorSuccess) {
        return 0;
    }
    *windowID = (unsigned int)wid;
    return 1;
}

// Input synthesis.

static void cg_post_mouse_event(CGEventType type, double x, double y, CGMouseButton button, int clickCount) {
    CGEventRef event = CGEventCreateMouseEvent(NULL, type, CGPointMake(x, y), button);
    if (clickCount > 1) {
        CGEventSetIntegerValueField(event, kCGMouseEventClickState, clickCount);
    }
    CGEventPost(kCGHIDEventTap, event);
    CFRelease(event);
}

static void cg_post_scroll_event(double dx, double dy) {
    CGEventRef event = CGEventCreateScrollWheelEvent(NULL, kCGScrollEventUnitPixel, 2, (int32_t)dy, (int32_t)dx);
    CGEventPost(kCGHIDEventTap, event);
    CFRelease(event);
}

static void cg_post_key_event(CGKeyCode key, int keyDown, CGEventFlags flags) {
    CGEventRef event = CGEventCreateKeyboardEvent(NULL, key, keyDown);
    CGEventSetFlags(event, flags);
    CGEventPost(kCGHIDEventTap, event);
    CFRelease(event);
}
*/
import "C"

import (
	"context"
	"fmt"
	"runtime"
	"unsafe"
)

// axRefHandle wraps a retained AXUIElementRef. The finalizer releases the
// underlying CFTypeRef when the Go wrapper is collected.
type axRefHandle struct {
	ref C.AXUIElementRef
}

func (axRefHandle) axHandle() {}

func wrapElementRef(ref C.AXUIElementRef) AXHandle {
	if ref == 0 {
		return nil
	}
	h := &axRefHandle{ref: ref}
	runtime.SetFinalizer(h, func(h *axRefHandle) {
		if h.ref != 0 {
			C.CFRelease(C.CFTypeRef(h.ref))
		}
	})
	return h
}

func unwrapElementRef(h AXHandle) (C.AXUIElementRef, bool) {
	rh, ok := h.(*axRefHandle)
	if !ok || rh == nil || rh.ref == 0 {
		return 0, false
	}
	return rh.ref, true
}

// Darwin is the production Facade implementation, backed by the
// Accessibility and Quartz compositor APIs via cgo.
type Darwin struct{}

// ErrPermissionDenied indicates the process has not been granted
// accessibility permission in System Settings.
var ErrPermissionDenied = fmt.Errorf("osfacade: accessibility permission not granted")

// NewDarwin constructs the production facade, checking (and, if
// necessary, prompting for) the accessibility permission prerequisite.
func NewDarwin(promptIfNeeded bool) (*Darwin, error) {
	if C.ax_is_trusted() == 0 {
		if promptIfNeeded {
			C.ax_is_trusted_with_prompt()
		}
		return nil, ErrPermissionDenied
	}
	return &Darwin{}, nil
}

func cfKey(name string) (C.CFStringRef, func()) {
	cName := C.CString(name)
	key := C.cstring_to_cf_string(cName)
	return key, func() {
		C.free(unsafe.Pointer(cName))
		C.CFRelease(C.CFTypeRef(key))
	}
}

func (d *Darwin) ListCompositorWindows(_ context.Context, opts ListOptions) ([]CompositorWindow, error) {
	includeOffscreen := C.int(0)
	if opts.IncludeOffscreen {
		includeOffscreen = 1
	}
	arr := C.cg_window_list_copy_info(includeOffscreen)
	if arr == 0 {
		// Preserve enumeration liveness: a failed query yields an empty
		// sequence, never an error.
		return nil, nil
	}
	defer C.CFRelease(C.CFTypeRef(arr))

	count := int(C.CFArrayGetCount(arr))
	out := make([]CompositorWindow, 0, count)
	for i := 0; i < count; i++ {
		info := C.CFDictionaryRef(C.CFArrayGetValueAtIndex(arr, C.CFIndex(i)))

		var windowID C.uint
		var pid, layer, onscreen, sharing C.int
		var x, y, w, h, alpha C.double
		var title *C.char

		C.cg_window_entry_extract(info, &windowID, &pid, &x, &y, &w, &h, &layer, &alpha, &onscreen, &sharing, &title)

		titleStr := ""
		if title != nil {
			titleStr = C.GoString(title)
			C.free(unsafe.Pointer(title))
		}

		bundle, _ := d.BundleForPID(int(pid))

		out = append(out, CompositorWindow{
			WindowID:     uint32(windowID),
			PID:          int(pid),
			Bundle:       bundle,
			Bounds:       Bounds{X: float64(x), Y: float64(y), Width: float64(w), Height: float64(h)},
			Layer:        int(layer),
			OnScreen:     onscreen != 0,
			Alpha:        float64(alpha),
			Title:        titleStr,
			SharingState: int(sharing),
		})

		if opts.ExcludeDesktop && out[len(out)-1].Layer != 0 {
			out = out[:len(out)-1]
		}
	}
	return out, nil
}

func (d *Darwin) BundleForPID(pid int) (string, bool) {
	cStr := C.ax_bundle_for_pid(C.int(pid))
	if cStr == nil {
		return "", false
	}
	defer C.free(unsafe.Pointer(cStr))
	return C.GoString(cStr), true
}

func (d *Darwin) AXApplication(_ context.Context, pid int) (AXHandle, error) {
	ref := C.ax_create_application(C.int(pid))
	if ref == 0 {
		return nil, fmt.Errorf("osfacade: failed to create application element for pid %d", pid)
	}
	return wrapElementRef(ref), nil
}

// convertAXValue inspects a copied CFTypeRef and converts it to the
// tagged AttrValue variant understood by the rest of this module.
func convertAXValue(value C.CFTypeRef) (AttrValue, bool) {
	switch {
	case C.ax_value_is_string(value) != 0:
		cStr := C.cf_string_to_cstring(C.CFStringRef(value))
		if cStr == nil {
			return AttrValue{}, false
		}
		defer C.free(unsafe.Pointer(cStr))
		return AttrValue{Kind: AttrString, Str: C.GoString(cStr)}, true
	case C.ax_value_is_bool(value) != 0:
		return AttrValue{Kind: AttrBool, Bool: C.CFBooleanGetValue(C.CFBooleanRef(value)) != 0}, true
	case C.ax_value_is_point(value) != 0:
		var x, y C.double
		if C.ax_value_get_point(C.AXValueRef(unsafe.Pointer(value)), &x, &y) == 0 {
			return AttrValue{}, false
		}
		return AttrValue{Kind: AttrPoint, Point: Point{X: float64(x), Y: float64(y)}}, true
	case C.ax_value_is_size(value) != 0:
		var w, h C.double
		if C.ax_value_get_size(C.AXValueRef(unsafe.Pointer(value)), &w, &h) == 0 {
			return AttrValue{}, false
		}
		return AttrValue{Kind: AttrSize, Size: Size{Width: float64(w), Height: float64(h)}}, true
	case C.ax_value_is_element(value) != 0:
		ref := C.AXUIElementRef(unsafe.Pointer(value))
		C.CFRetain(C.CFTypeRef(ref))
		return AttrValue{Kind: AttrHandle, Handle: wrapElementRef(ref)}, true
	case C.ax_value_is_array(value) != 0:
		arr := C.CFArrayRef(value)
		count := int(C.CFArrayGetCount(arr))
		handles := make([]AXHandle, 0, count)
		for i := 0; i < count; i++ {
			item := C.CFArrayGetValueAtIndex(arr, C.CFIndex(i))
			itemRef := C.AXUIElementRef(item)
			C.CFRetain(C.CFTypeRef(itemRef))
			handles = append(handles, wrapElementRef(itemRef))
		}
		return AttrValue{Kind: AttrHandleList, Handles: handles}, true
	default:
		return AttrValue{}, false
	}
}

func (d *Darwin) AXAttribute(_ context.Context, h AXHandle, key string) (AttrValue, bool, error) {
	ref, ok := unwrapElementRef(h)
	if !ok {
		return AttrValue{}, false, fmt.Errorf("osfacade: invalid handle")
	}
	cKey, release := cfKey(key)
	defer release()

	value := C.ax_copy_attribute_value(ref, cKey)
	if value == 0 {
		return AttrValue{}, false, nil
	}
	defer C.CFRelease(value)

	v, ok := convertAXValue(value)
	return v, ok, nil
}

func (d *Darwin) AXAttributesBatch(ctx context.Context, h AXHandle, keys []string) (map[string]AttrValue, error) {
	out := map[string]AttrValue{}
	for _, k := range keys {
		v, ok, err := d.AXAttribute(ctx, h, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func axValueToCFType(value AttrValue) (C.CFTypeRef, func(), error) {
	switch value.Kind {
	case AttrString:
		cStr := C.CString(value.Str)
		defer C.free(unsafe.Pointer(cStr))
		cf := C.cstring_to_cf_string(cStr)
		return C.CFTypeRef(cf), func() { C.CFRelease(C.CFTypeRef(cf)) }, nil
	case AttrBool:
		if value.Bool {
			return C.CFTypeRef(C.kCFBooleanTrue), func() {}, nil
		}
		return C.CFTypeRef(C.kCFBooleanFalse), func() {}, nil
	case AttrPoint:
		axv := C.ax_value_create_point(C.double(value.Point.X), C.double(value.Point.Y))
		return C.CFTypeRef(axv), func() { C.CFRelease(C.CFTypeRef(axv)) }, nil
	case AttrSize:
		axv := C.ax_value_create_size(C.double(value.Size.Width), C.double(value.Size.Height))
		return C.CFTypeRef(axv), func() { C.CFRelease(C.CFTypeRef(axv)) }, nil
	default:
		return 0, func() {}, fmt.Errorf("osfacade: unsupported attribute kind for write: %d", value.Kind)
	}
}

func (d *Darwin) AXSetAttribute(_ context.Context, h AXHandle, key string, value AttrValue) AXStatus {
	ref, ok := unwrapElementRef(h)
	if !ok {
		return AXInvalidUIElement
	}
	cKey, release := cfKey(key)
	defer release()

	cfValue, cleanup, err := axValueToCFType(value)
	if err != nil {
		return AXIllegalArgument
	}
	defer cleanup()

	return AXStatus(C.ax_set_attribute_value(ref, cKey, cfValue))
}

func (d *Darwin) AXPerformAction(_ context.Context, h AXHandle, action string) AXStatus {
	ref, ok := unwrapElementRef(h)
	if !ok {
		return AXInvalidUIElement
	}
	cAction, release := cfKey(action)
	defer release()
	return AXStatus(C.ax_perform_action(ref, cAction))
}

func (d *Darwin) axHandleList(ctx context.Context, h AXHandle, key string) ([]AXHandle, error) {
	v, ok, err := d.AXAttribute(ctx, h, key)
	if err != nil {
		return nil, err
	}
	if !ok || v.Kind != AttrHandleList {
		return nil, nil
	}
	return v.Handles, nil
}

func (d *Darwin) AXChildren(ctx context.Context, h AXHandle) ([]AXHandle, error) {
	return d.axHandleList(ctx, h, "AXChildren")
}

func (d *Darwin) AXWindows(ctx context.Context, app AXHandle) ([]AXHandle, error) {
	return d.axHandleList(ctx, app, "AXWindows")
}

func (d *Darwin) AXActions(_ context.Context, h AXHandle) ([]string, error) {
	ref, ok := unwrapElementRef(h)
	if !ok {
		return nil, fmt.Errorf("osfacade: invalid handle")
	}
	arr := C.ax_copy_action_names(ref)
	if arr == 0 {
		return nil, nil
	}
	defer C.CFRelease(C.CFTypeRef(arr))

	count := int(C.CFArrayGetCount(arr))
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		name := C.CFStringRef(C.CFArrayGetValueAtIndex(arr, C.CFIndex(i)))
		cStr := C.cf_string_to_cstring(name)
		if cStr == nil {
			continue
		}
		out = append(out, C.GoString(cStr))
		C.free(unsafe.Pointer(cStr))
	}
	return out, nil
}

func (d *Darwin) AXWindowID(_ context.Context, h AXHandle) (uint32, bool) {
	ref, ok := unwrapElementRef(h)
	if !ok {
		return 0, false
	}
	var windowID C.uint
	if C.ax_get_window_id(ref, &windowID) == 0 {
		return 0, false
	}
	return uint32(windowID), true
}

func cgMouseButton(b MouseButton) C.CGMouseButton {
	switch b {
	case ButtonRight:
		return C.kCGMouseButtonRight
	case ButtonMiddle:
		return C.kCGMouseButtonCenter
	default:
		return C.kCGMouseButtonLeft
	}
}

func cgEventFlags(m Modifiers) C.CGEventFlags {
	var flags C.CGEventFlags
	if m&ModCommand != 0 {
		flags |= C.kCGEventFlagMaskCommand
	}
	if m&ModOption != 0 {
		flags |= C.kCGEventFlagMaskAlternate
	}
	if m&ModControl != 0 {
		flags |= C.kCGEventFlagMaskControl
	}
	if m&ModShift != 0 {
		flags |= C.kCGEventFlagMaskShift
	}
	if m&ModFunction != 0 {
		flags |= C.kCGEventFlagMaskSecondaryFn
	}
	if m&ModCapsLock != 0 {
		flags |= C.kCGEventFlagMaskAlphaShift
	}
	return flags
}

func (d *Darwin) SynthEvent(_ context.Context, e EventDescriptor) error {
	switch e.Kind {
	case EventMouseMove:
		C.cg_post_mouse_event(C.kCGEventMouseMoved, C.double(e.Point.X), C.double(e.Point.Y), cgMouseButton(e.Button), 0)
	case EventMouseDown:
		eventType := C.kCGEventLeftMouseDown
		if e.Button == ButtonRight {
			eventType = C.kCGEventRightMouseDown
		} else if e.Button == ButtonMiddle {
			eventType = C.kCGEventOtherMouseDown
		}
		C.cg_post_mouse_event(C.CGEventType(eventType), C.double(e.Point.X), C.double(e.Point.Y), cgMouseButton(e.Button), C.int(max(e.ClickCount, 1)))
	case EventMouseUp:
		eventType := C.kCGEventLeftMouseUp
		if e.Button == ButtonRight {
			eventType = C.kCGEventRightMouseUp
		} else if e.Button == ButtonMiddle {
			eventType = C.kCGEventOtherMouseUp
		}
		C.cg_post_mouse_event(C.CGEventType(eventType), C.double(e.Point.X), C.double(e.Point.Y), cgMouseButton(e.Button), C.int(max(e.ClickCount, 1)))
	case EventMouseDrag:
		eventType := C.kCGEventLeftMouseDragged
		if e.Button == ButtonRight {
			eventType = C.kCGEventRightMouseDragged
		}
		C.cg_post_mouse_event(C.CGEventType(eventType), C.double(e.Point.X), C.double(e.Point.Y), cgMouseButton(e.Button), 0)
	case EventScroll:
		C.cg_post_scroll_event(C.double(e.DeltaX), C.double(e.DeltaY))
	case EventKeyDown:
		C.cg_post_key_event(C.CGKeyCode(e.KeyCode), 1, cgEventFlags(e.Modifiers))
	case EventKeyUp:
		C.cg_post_key_event(C.CGKeyCode(e.KeyCode), 0, cgEventFlags(e.Modifiers))
	case EventGesture:
		// Trackpad gesture synthesis has no stable public CGEvent API;
		// approximate pinch/zoom/rotate with scroll-wheel deltas so the
		// dispatch still produces an observable effect.
		C.cg_post_scroll_event(0, C.double(e.Scale*100))
	default:
		return fmt.Errorf("osfacade: unsupported event kind %d", e.Kind)
	}
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var _ Facade = (*Darwin)(nil)
