// stack.go symbolizes the current goroutine's call stack into StackFrames.

package aivory

import (
	"path"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
)

// callerBuffer is the number of program counters collected before
// filtering. Filtered frames (runtime, agent internals) consume slots, so
// it is larger than MaxStackFrames.
const callerBuffer = 128

// unknownFunction names frames whose symbol could not be resolved.
const unknownFunction = "<unknown>"

// agentPackagePrefix matches functions of this module's pkg tree
// (for example "github.com/aivorynet/agent-go/pkg/"). Those frames are
// capture machinery and never appear in records.
var agentPackagePrefix = path.Dir(reflect.TypeOf(StackFrame{}).PkgPath()) + "/"

// goroot is the toolchain root recorded at build time. Files under it are
// standard library code.
var goroot = stdlibRoot()

// stdlibRoot derives the toolchain root from the file recorded for a
// standard library function, so it matches frame paths on any host.
// runtime.GOROOT is deprecated and follows the environment of the running
// process instead. Under -trimpath there is no root and isNativeFile falls
// back to import path rules.
func stdlibRoot() string {
	fn := runtime.FuncForPC(reflect.ValueOf(strings.Cut).Pointer())
	if fn == nil {
		return ""
	}
	file, _ := fn.FileLine(fn.Entry())
	root, ok := strings.CutSuffix(filepath.ToSlash(file), "/src/strings/strings.go")
	if !ok {
		return ""
	}
	return root
}

// CaptureStack returns the calling goroutine's stack, most recent call
// first, without runtime and agent frames. At most MaxStackFrames frames
// are returned.
func CaptureStack() []StackFrame {
	pcs := make([]uintptr, callerBuffer)
	n := runtime.Callers(1, pcs)
	iter := runtime.CallersFrames(pcs[:n])

	frames := make([]StackFrame, 0, min(n, MaxStackFrames))
	for {
		frame, more := iter.Next()
		if !skipFrame(frame.Function, frame.File) {
			frames = append(frames, newStackFrame(frame.Function, frame.File, frame.Line))
			if len(frames) == MaxStackFrames {
				break
			}
		}
		if !more {
			break
		}
	}
	return frames
}

// skipFrame reports whether a frame is runtime or agent machinery.
func skipFrame(function, file string) bool {
	if function == "" {
		return false
	}
	if strings.HasPrefix(function, "runtime.") {
		return true
	}
	if strings.HasPrefix(function, agentPackagePrefix) {
		// Tests of the agent itself exercise capture from their own frames.
		return !strings.HasSuffix(file, "_test.go")
	}
	return false
}

func newStackFrame(function, file string, line int) StackFrame {
	frame := StackFrame{
		MethodName: normalizeFunctionName(function),
		IsNative:   isNativeFile(file),
	}
	if file != "" {
		frame.FilePath = file
		frame.FileName = path.Base(filepath.ToSlash(file))
		frame.LineNumber = line
	}
	frame.SourceAvailable = !frame.IsNative && frame.FilePath != ""
	return frame
}

// normalizeFunctionName strips the import path and package qualifier:
// "github.com/acme/app/store.(*DB).Get" becomes "(*DB).Get".
func normalizeFunctionName(function string) string {
	if function == "" {
		return unknownFunction
	}
	name := function
	if slash := strings.LastIndexByte(name, '/'); slash >= 0 {
		name = name[slash+1:]
	}
	if dot := strings.IndexByte(name, '.'); dot >= 0 && dot < len(name)-1 {
		name = name[dot+1:]
	}
	return name
}

// isNativeFile classifies a source path as toolchain or dependency code.
// Unresolved paths are native.
func isNativeFile(file string) bool {
	if file == "" {
		return true
	}
	file = filepath.ToSlash(file)
	if goroot != "" && strings.HasPrefix(file, goroot+"/") {
		return true
	}
	if strings.Contains(file, "/pkg/mod/") || strings.Contains(file, "/vendor/") {
		return true
	}
	if !strings.HasPrefix(file, "/") && !isWindowsAbs(file) {
		// -trimpath builds: "github.com/dep/x@v1.2.3/f.go" is a dependency,
		// "net/http/server.go" is standard library, "example.com/app/f.go" is
		// the main module.
		first, _, _ := strings.Cut(file, "/")
		return strings.Contains(file, "@v") || !strings.Contains(first, ".")
	}
	return false
}

func isWindowsAbs(file string) bool {
	return len(file) > 2 && file[1] == ':' && (file[2] == '/' || file[2] == '\\')
}

func frameLocation(frame StackFrame) string {
	if frame.LineNumber == 0 {
		return frame.FilePath
	}
	return frame.FilePath + ":" + strconv.Itoa(frame.LineNumber)
}
