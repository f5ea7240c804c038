// Command liblktrace is the injected interceptor itself: built with
// `go build -buildmode=c-shared`, it produces a shared object meant to be
// loaded via LD_PRELOAD ahead of libpthread so its pthread_mutex_lock,
// pthread_mutex_unlock, pthread_cond_wait, pthread_cond_signal,
// pthread_cond_broadcast, pthread_create, and pthread_exit symbols
// shadow the real ones. Every shadowed call records an event against
// the calling thread's history using internal/lkhist and
// internal/lkevent, and process exit triggers internal/tracewriter to
// serialize every history to disk. The C interposers and the
// dlsym(RTLD_NEXT) plumbing live in shim.go; this file holds the Go
// handlers they dispatch to.
package main

/*
#include <pthread.h>

extern int call_real_mutex_lock(pthread_mutex_t*);
extern int call_real_mutex_unlock(pthread_mutex_t*);
extern int call_real_cond_wait(pthread_cond_t*, pthread_mutex_t*);
extern int call_real_cond_signal(pthread_cond_t*);
extern int call_real_cond_broadcast(pthread_cond_t*);
extern void call_real_thread_exit(void*);
extern int spawn_via_trampoline(pthread_t*, pthread_attr_t*, void*);
extern int capture_backtrace(void**, int);
extern size_t self_tid(void);
extern void* shim_self_pc(void);
extern void* call_hook(void*, void*);
*/
import "C"

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/georgehodgkins/lktrace/internal/ctlshm"
	"github.com/georgehodgkins/lktrace/internal/intercept"
	"github.com/georgehodgkins/lktrace/internal/lkevent"
	"github.com/georgehodgkins/lktrace/internal/lkhist"
	"github.com/georgehodgkins/lktrace/internal/liveness"
	"github.com/georgehodgkins/lktrace/internal/lklog"
	"github.com/georgehodgkins/lktrace/internal/symbolize"
	"github.com/georgehodgkins/lktrace/internal/tracewriter"
)

var (
	hist    *lkhist.Map
	opts    intercept.Options
	guard   *intercept.RecursionGuard
	pending = intercept.NewPendingRegistry()

	initTime      time.Time
	multithreaded atomic.Bool
	masterTid     uint64

	ctl       ctlshm.Control
	traceFile string

	// liveFD is this instance's connection to the supervisor's liveness
	// socket, or -1 if none was made (running without a supervisor, or
	// the supervisor's socket was not reachable). Closing it in
	// goFinalize is what lets the supervisor notice this instance --
	// including a fork+exec grandchild that links its own copy of this
	// shared object -- has finished.
	liveFD = -1
)

func init() {
	initTime = time.Now()
	hist = lkhist.NewMap(intercept.TraceDepth * 8)
	guard = intercept.NewRecursionGuard()

	lklog.Init(lklog.Options{Stderr: os.Stderr})

	if block, err := ctlshm.Open(os.Getenv("LKTRACE_SHM")); err == nil {
		if decoded, derr := block.Decode(); derr == nil {
			ctl = decoded
		} else {
			lklog.Warn("decoding control block", "err", derr)
		}
		block.Close()
	} else {
		lklog.Debug("no control block found, using defaults", "err", err)
	}

	opts.TraceSkip = uint(ctl.TraceSkip)
	if mappings, err := readSelfMappings(); err == nil {
		if sym, err := symbolize.New(mappings); err == nil {
			if start, end, ok := objectBounds(sym, uintptr(C.shim_self_pc())); ok {
				opts.ObjStart, opts.ObjEnd = start, end
			}
			if start, end, ok := symbolFnBounds(sym, mappings, "malloc"); ok {
				opts.AllocStart, opts.AllocEnd = start, end
			}
			sym.Close()
		} else {
			lklog.Warn("symbolizing own process image", "err", err)
		}
	} else {
		lklog.Warn("reading process mappings", "err", err)
	}

	prefix := ctl.Prefix
	if prefix == "" {
		prefix = "lktracedat"
	}
	name := prefix + "-" + fmt.Sprint(os.Getpid())
	dir := ctl.TargetDir
	if dir == "" {
		dir, _ = os.Getwd()
	}
	traceFile = filepath.Join(dir, name)

	if fd, err := liveness.Connect(os.Getenv("LKTRACE_SOCK")); err == nil {
		liveFD = fd
	} else {
		lklog.Debug("no supervisor liveness socket, running unsupervised", "err", err)
	}

	masterTid = uint64(C.self_tid())
	var frames [2]unsafe.Pointer
	C.capture_backtrace((*unsafe.Pointer)(unsafe.Pointer(&frames[0])), 2)
	addThisThread(masterTid, 0, uintptr(frames[1]), false)
}

// main is required by -buildmode=c-shared; the library has no
// standalone entry point.
func main() {}

// objectBounds returns the bounds of whichever mapped object contains
// hintPC, used once at init time to classify this shared object's own
// address range.
func objectBounds(sym *symbolize.Symbolizer, hintPC uintptr) (start, end uintptr, ok bool) {
	s, e, err := sym.ObjectBounds(hintPC)
	if err != nil {
		return 0, 0, false
	}
	return s, e, true
}

// symbolFnBounds resolves name's address via the static symbol table of
// whichever mapped object defines it, then returns that object's bounds
// -- used to classify the allocator's shared object (typically libc).
func symbolFnBounds(sym *symbolize.Symbolizer, mappings []symbolize.Mapping, name string) (start, end uintptr, ok bool) {
	for _, mp := range mappings {
		addr, found := sym.LookupStatic(name, mp.LoadBase)
		if !found {
			continue
		}
		s, e, err := sym.ObjectBounds(addr)
		if err != nil {
			continue
		}
		return s, e, true
	}
	return 0, 0, false
}

func currentTid() uint64 {
	return uint64(C.self_tid())
}

func captureCaller() uintptr {
	var frames [intercept.TraceDepth]unsafe.Pointer
	n := int(C.capture_backtrace((*unsafe.Pointer)(unsafe.Pointer(&frames[0])), C.int(intercept.TraceDepth)))
	addrs := make([]uintptr, n)
	for i := 0; i < n; i++ {
		addrs[i] = uintptr(frames[i])
	}
	return opts.SelectCaller(addrs)
}

func addEvent(tid uint64, kind lkevent.Kind, obj uintptr) {
	caller := captureCaller()
	// A caller inside the allocator's object means malloc (or a friend)
	// is synchronizing internally; recording the event could allocate
	// and recurse, so it is dropped.
	if opts.InAllocator(caller) {
		return
	}
	h := hist.Ensure(tid)
	h.Append(lkevent.Record{
		Timestamp: time.Since(initTime),
		Kind:      kind,
		Obj:       obj,
		Caller:    caller,
	})
}

func addThisThread(tid uint64, hook uintptr, caller uintptr, mt bool) {
	h := hist.Ensure(tid)
	h.Append(lkevent.Record{Timestamp: time.Since(initTime), Kind: lkevent.ThrdSpawn, Obj: hook, Caller: caller})
	if mt {
		multithreaded.Store(true)
	}
}

func severThisThread(tid uint64, mt bool) {
	if mt {
		addEvent(tid, lkevent.ThrdExit, uintptr(tid))
		return
	}
	var frames [3]unsafe.Pointer
	C.capture_backtrace((*unsafe.Pointer)(unsafe.Pointer(&frames[0])), 3)
	h := hist.Ensure(tid)
	h.Append(lkevent.Record{Timestamp: time.Since(initTime), Kind: lkevent.ThrdExit, Obj: uintptr(tid), Caller: uintptr(frames[2])})
}

//export goMutexLock
func goMutexLock(lk *C.pthread_mutex_t) C.int {
	tid := currentTid()
	traced := guard.Enter(tid)
	if traced {
		addEvent(tid, lkevent.LockReq, uintptr(unsafe.Pointer(lk)))
	}
	e := C.call_real_mutex_lock(lk)
	if traced {
		if e == 0 {
			addEvent(tid, lkevent.LockAcq, uintptr(unsafe.Pointer(lk)))
		} else {
			addEvent(tid, lkevent.LockErr, uintptr(unsafe.Pointer(lk)))
		}
		guard.Leave(tid)
	}
	return e
}

//export goMutexUnlock
func goMutexUnlock(lk *C.pthread_mutex_t) C.int {
	tid := currentTid()
	traced := guard.Enter(tid)
	if traced {
		addEvent(tid, lkevent.LockRel, uintptr(unsafe.Pointer(lk)))
	}
	e := C.call_real_mutex_unlock(lk)
	if traced {
		guard.Leave(tid)
	}
	return e
}

//export goCondWait
func goCondWait(cond *C.pthread_cond_t, lk *C.pthread_mutex_t) C.int {
	tid := currentTid()
	traced := guard.Enter(tid)
	if traced {
		addEvent(tid, lkevent.CondWait, uintptr(unsafe.Pointer(cond)))
		// Waiting atomically releases the mutex, so record the release
		// explicitly (and the matching reacquire below) to keep the
		// per-thread lock depth balanced across the blocking call.
		addEvent(tid, lkevent.LockRel, uintptr(unsafe.Pointer(lk)))
	}
	e := C.call_real_cond_wait(cond, lk)
	if traced {
		if e == 0 {
			addEvent(tid, lkevent.CondLeave, uintptr(unsafe.Pointer(cond)))
			addEvent(tid, lkevent.LockAcq, uintptr(unsafe.Pointer(lk)))
		} else {
			addEvent(tid, lkevent.CondErr, uintptr(unsafe.Pointer(lk)))
		}
		guard.Leave(tid)
	}
	return e
}

//export goCondSignal
func goCondSignal(cond *C.pthread_cond_t) C.int {
	tid := currentTid()
	traced := guard.Enter(tid)
	if traced {
		addEvent(tid, lkevent.CondSignal, uintptr(unsafe.Pointer(cond)))
	}
	e := C.call_real_cond_signal(cond)
	if traced {
		guard.Leave(tid)
	}
	return e
}

//export goCondBroadcast
func goCondBroadcast(cond *C.pthread_cond_t) C.int {
	tid := currentTid()
	traced := guard.Enter(tid)
	if traced {
		addEvent(tid, lkevent.CondBrdcst, uintptr(unsafe.Pointer(cond)))
	}
	e := C.call_real_cond_broadcast(cond)
	if traced {
		guard.Leave(tid)
	}
	return e
}

//export goThreadExit
func goThreadExit(rtn unsafe.Pointer) {
	tid := currentTid()
	severThisThread(tid, true)
	C.call_real_thread_exit(rtn)
}

// goThreadCreate handles the interposed pthread_create: it records its
// own caller's PC and redirects the new thread through the C
// trampoline so the new thread can register itself before running the
// real hook. The real hook/arg pair is handed across via intercept's
// token registry rather than a raw pointer, since passing a Go pointer
// through C memory is unsafe under the cgo pointer-passing rules.
//
//export goThreadCreate
func goThreadCreate(thread *C.pthread_t, attr *C.pthread_attr_t, hook unsafe.Pointer, arg unsafe.Pointer) C.int {
	var frames [2]unsafe.Pointer
	C.capture_backtrace((*unsafe.Pointer)(unsafe.Pointer(&frames[0])), 2)

	token := pending.Store(intercept.PendingThread{
		Hook:   uintptr(hook),
		Arg:    uintptr(arg),
		Caller: uintptr(frames[1]),
	})

	return C.spawn_via_trampoline(thread, attr, unsafe.Pointer(uintptr(token)))
}

// goThreadTrampoline runs on the newly created thread before its real
// entry point: it registers the thread with the tracer, invokes the
// real hook, records the thread's exit, and hands off to the real
// pthread_exit, so that both a return from the hook function and an
// explicit pthread_exit() call are captured identically.
//
//export goThreadTrampoline
func goThreadTrampoline(arg unsafe.Pointer) unsafe.Pointer {
	token := uint64(uintptr(arg))
	pt, ok := pending.Take(token)
	if !ok {
		lklog.Error("thread trampoline invoked with unknown token", "token", token)
		return nil
	}

	tid := currentTid()
	addThisThread(tid, pt.Hook, pt.Caller, true)

	result := C.call_hook(unsafe.Pointer(pt.Hook), unsafe.Pointer(pt.Arg))

	severThisThread(tid, true)
	C.call_real_thread_exit(result)
	return nil
}

// goFinalize runs once, via the atexit handler registered in shim.go,
// when the traced process calls exit() or returns from main. It
// records the master thread's own exit and, if more than one thread
// ever registered, serializes every thread's history to disk. The
// liveness socket is closed last, after the trace file write has been
// attempted, so the supervisor only observes this instance's departure
// once its data is safely on disk.
//
//export goFinalize
func goFinalize() {
	defer liveness.Disconnect(liveFD)
	defer tracewriter.Recover()

	severThisThread(masterTid, false)
	if !multithreaded.Load() {
		return
	}

	mappings, err := readSelfMappings()
	if err != nil {
		lklog.Error("reading process mappings at exit", "err", err)
		return
	}
	sym, err := symbolize.New(mappings)
	if err != nil {
		lklog.Error("building symbolizer at exit", "err", err)
		return
	}
	defer sym.Close()

	if err := tracewriter.Write(hist, sym, traceFile); err != nil {
		lklog.Error("writing trace file", "path", traceFile, "err", err)
	}
}
