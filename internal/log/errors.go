package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

type pcCarrier interface {
	PC() uintptr
}

type stackTracer interface {
	StackPCs() []uintptr
}

// errorFields are the kv pairs Error appends for err. links > 0 adds up to
// that many error_links entries.
func errorFields(err error, links int) []any {
	surface, root := classifyTypes(err)
	kv := []any{"err", err, "error_type", surface, "cause_type", root}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if links > 0 {
		kv = append(kv, "error_links", chainLinks(err, links))
	}
	return kv
}

// errorChain lists distinct messages down the Unwrap chain, then the
// members of a joined error.
func errorChain(err error) []string {
	var out []string
	add := func(e error) {
		if msg := e.Error(); len(out) == 0 || out[len(out)-1] != msg {
			out = append(out, msg)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e)
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e)
		}
	}
	return out
}

// chainLinks locates each wrapping layer in source. Layers with no known
// location are dropped, except the outermost.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for depth, e := 0, err; e != nil && depth < max; depth, e = depth+1, errors.Unwrap(e) {
		fr, ok := errorFrame(e)
		if !ok && depth > 0 {
			continue
		}
		link := map[string]any{"msg": e.Error()}
		if ok {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		links = append(links, link)
	}
	return links
}

func errorFrame(e error) (runtime.Frame, bool) {
	if c, ok := e.(pcCarrier); ok && c.PC() != 0 {
		fr, _ := runtime.CallersFrames([]uintptr{c.PC()}).Next()
		return fr, true
	}
	if st, ok := e.(stackTracer); ok {
		return callerFrame(st.StackPCs())
	}
	return runtime.Frame{}, false
}

func callerFrame(pcs []uintptr) (runtime.Frame, bool) {
	if len(pcs) == 0 {
		return runtime.Frame{}, false
	}
	frames := runtime.CallersFrames(pcs)
	for more := true; more; {
		var fr runtime.Frame
		fr, more = frames.Next()
		if !strings.HasPrefix(fr.Function, "runtime.") && !loggingFrame(fr.Function) {
			return fr, true
		}
	}
	return runtime.Frame{}, false
}

// classifyTypes returns the outermost error type that is not a plain
// wrapper, and the type of the innermost cause.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if isWrapper(e) {
			continue
		}
		surface = reflect.TypeOf(e).String()
		break
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	last := err
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
	}
	return surface, fmt.Sprintf("%T", last)
}

func isWrapper(e error) bool {
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return strings.Contains(t.PkgPath(), "/internal/xerrors") ||
		(t.PkgPath() == "fmt" && t.Name() == "wrapError")
}
