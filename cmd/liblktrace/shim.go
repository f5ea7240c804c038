package main

// This file carries the C side of the interceptor: the interposed
// pthread entry points, the dlsym(RTLD_NEXT) plumbing that finds the
// real implementations, and the trampoline installed as every spawned
// thread's body. It deliberately contains no export directives -- cgo
// copies a file's preamble into more than one generated translation
// unit when exports are present, which would duplicate these
// non-static definitions. The exported Go handlers (goMutexLock and
// friends) live in main.go and are declared extern here.

/*
#cgo LDFLAGS: -ldl

#include <pthread.h>
#include <dlfcn.h>
#include <execinfo.h>
#include <stdlib.h>

typedef int (*mutex_lock_fn)(pthread_mutex_t*);
typedef int (*mutex_unlock_fn)(pthread_mutex_t*);
typedef int (*cond_wait_fn)(pthread_cond_t*, pthread_mutex_t*);
typedef int (*cond_signal_fn)(pthread_cond_t*);
typedef int (*cond_broadcast_fn)(pthread_cond_t*);
typedef int (*thread_create_fn)(pthread_t*, const pthread_attr_t*, void* (*)(void*), void*);
typedef void (*thread_exit_fn)(void*);
typedef void* (*hook_fn)(void*);

static mutex_lock_fn real_mutex_lock;
static mutex_unlock_fn real_mutex_unlock;
static cond_wait_fn real_cond_wait;
static cond_signal_fn real_cond_signal;
static cond_broadcast_fn real_cond_broadcast;
static thread_create_fn real_thread_create;
static thread_exit_fn real_thread_exit;

static void resolve_real_fns(void) {
	if (!real_mutex_lock) real_mutex_lock = (mutex_lock_fn) dlsym(RTLD_NEXT, "pthread_mutex_lock");
	if (!real_mutex_unlock) real_mutex_unlock = (mutex_unlock_fn) dlsym(RTLD_NEXT, "pthread_mutex_unlock");
	if (!real_cond_wait) real_cond_wait = (cond_wait_fn) dlsym(RTLD_NEXT, "pthread_cond_wait");
	if (!real_cond_signal) real_cond_signal = (cond_signal_fn) dlsym(RTLD_NEXT, "pthread_cond_signal");
	if (!real_cond_broadcast) real_cond_broadcast = (cond_broadcast_fn) dlsym(RTLD_NEXT, "pthread_cond_broadcast");
	if (!real_thread_create) real_thread_create = (thread_create_fn) dlsym(RTLD_NEXT, "pthread_create");
	if (!real_thread_exit) real_thread_exit = (thread_exit_fn) dlsym(RTLD_NEXT, "pthread_exit");
}

int call_real_mutex_lock(pthread_mutex_t* lk) {
	resolve_real_fns();
	return real_mutex_lock(lk);
}
int call_real_mutex_unlock(pthread_mutex_t* lk) {
	resolve_real_fns();
	return real_mutex_unlock(lk);
}
int call_real_cond_wait(pthread_cond_t* cond, pthread_mutex_t* lk) {
	resolve_real_fns();
	return real_cond_wait(cond, lk);
}
int call_real_cond_signal(pthread_cond_t* cond) {
	resolve_real_fns();
	return real_cond_signal(cond);
}
int call_real_cond_broadcast(pthread_cond_t* cond) {
	resolve_real_fns();
	return real_cond_broadcast(cond);
}
void call_real_thread_exit(void* rtn) {
	resolve_real_fns();
	real_thread_exit(rtn);
}

int capture_backtrace(void** buf, int n) {
	return backtrace(buf, n);
}

size_t self_tid(void) {
	return (size_t) pthread_self();
}

// shim_self_pc returns an address inside this shared object, used at
// init time to look up the object's own load bounds.
void* shim_self_pc(void) {
	return (void*) &shim_self_pc;
}

// call_hook invokes an arbitrary void*(*)(void*) function pointer,
// used by the spawned-thread trampoline to run the real thread entry
// point after registering it with the tracer.
void* call_hook(void* hookptr, void* arg) {
	hook_fn h = (hook_fn) hookptr;
	return h(arg);
}

// Go-side handlers, exported by cgo from main.go.
extern void* goThreadTrampoline(void*);
extern void goFinalize(void);
extern int goMutexLock(pthread_mutex_t*);
extern int goMutexUnlock(pthread_mutex_t*);
extern int goCondWait(pthread_cond_t*, pthread_mutex_t*);
extern int goCondSignal(pthread_cond_t*);
extern int goCondBroadcast(pthread_cond_t*);
extern int goThreadCreate(pthread_t*, pthread_attr_t*, void*, void*);
extern void goThreadExit(void*);

static void* trampoline_entry(void* arg) {
	return goThreadTrampoline(arg);
}

// spawn_via_trampoline starts the new thread on trampoline_entry with
// the registry token as its argument; the trampoline recovers the real
// hook/arg pair on the new thread.
int spawn_via_trampoline(pthread_t* thread, pthread_attr_t* attr, void* token) {
	resolve_real_fns();
	return real_thread_create(thread, attr, trampoline_entry, token);
}

// The interposed entry points. Loaded via LD_PRELOAD ahead of
// libpthread, these definitions shadow the real symbols for the target
// and everything it loads.
int pthread_mutex_lock(pthread_mutex_t* lk) {
	return goMutexLock(lk);
}
int pthread_mutex_unlock(pthread_mutex_t* lk) {
	return goMutexUnlock(lk);
}
int pthread_cond_wait(pthread_cond_t* cond, pthread_mutex_t* lk) {
	return goCondWait(cond, lk);
}
int pthread_cond_signal(pthread_cond_t* cond) {
	return goCondSignal(cond);
}
int pthread_cond_broadcast(pthread_cond_t* cond) {
	return goCondBroadcast(cond);
}
int pthread_create(pthread_t* thread, const pthread_attr_t* attr, void* (*hook)(void*), void* arg) {
	return goThreadCreate(thread, (pthread_attr_t*) attr, (void*) hook, arg);
}
void pthread_exit(void* rtn) {
	goThreadExit(rtn);
	__builtin_unreachable();
}

static void register_atexit(void) __attribute__((constructor));
static void register_atexit(void) {
	atexit(goFinalize);
}
*/
import "C"
