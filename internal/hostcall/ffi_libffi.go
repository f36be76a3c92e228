//go:build cgo && libffi

package hostcall

/*
#cgo pkg-config: libffi
#include <ffi.h>
#include <stdint.h>
#include <stdlib.h>

static int a64_prep_cif_var(ffi_cif* cif, unsigned int nfixed, unsigned int ntotal,
    ffi_type* rtype, ffi_type** atypes) {
  return ffi_prep_cif_var(cif, FFI_DEFAULT_ABI, nfixed, ntotal, rtype, atypes);
}

static int a64_prep_cif(ffi_cif* cif, unsigned int n, ffi_type* rtype, ffi_type** atypes) {
  return ffi_prep_cif(cif, FFI_DEFAULT_ABI, n, rtype, atypes);
}

static void a64_ffi_call(ffi_cif* cif, uintptr_t fn, void* rvalue, void** avalue) {
  ffi_call(cif, (void (*)(void))fn, rvalue, avalue);
}

static ffi_type* a64_struct_type(size_t n) {
  ffi_type* t = calloc(1, sizeof(ffi_type));
  if (t == NULL) return NULL;
  t->type = FFI_TYPE_STRUCT;
  t->elements = calloc(n + 1, sizeof(ffi_type*));
  return t;
}

static void a64_struct_set(ffi_type* t, size_t i, ffi_type* e) {
  t->elements[i] = e;
}

static void* a64_closure_alloc(void** code) {
  return ffi_closure_alloc(sizeof(ffi_closure), code);
}

extern void a64ClosureInvoke(ffi_cif*, void*, void**, uintptr_t);

static void a64_closure_thunk(ffi_cif* cif, void* ret, void** args, void* user) {
  a64ClosureInvoke(cif, ret, args, (uintptr_t)user);
}

static int a64_prep_closure(void* closure, ffi_cif* cif, uintptr_t user, void* code) {
  return ffi_prep_closure_loc((ffi_closure*)closure, cif, a64_closure_thunk, (void*)user, code);
}
*/
import "C"

import (
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xyproto/a64bridge/internal/typeenc"
)

// FFI invokes native host functions through libffi.
type FFI struct {
	log logrus.FieldLogger

	mu    sync.Mutex
	types map[*typeenc.Type]*C.ffi_type
	cifs  map[*Descriptor]*C.ffi_cif
}

// Native returns the libffi invoker.
func Native(log logrus.FieldLogger) (Invoker, bool) {
	return &FFI{
		log:   log,
		types: make(map[*typeenc.Type]*C.ffi_type),
		cifs:  make(map[*Descriptor]*C.ffi_cif),
	}, true
}

func ptrArray(n int) unsafe.Pointer {
	if n == 0 {
		n = 1
	}
	return C.calloc(C.size_t(n), C.size_t(unsafe.Sizeof(uintptr(0))))
}

// ffiType maps a descriptor to a libffi type. Aggregate types are built on
// the C heap once and live for the process.
func (f *FFI) ffiType(t *typeenc.Type) (*C.ffi_type, error) {
	switch t.Kind {
	case typeenc.Void:
		return &C.ffi_type_void, nil
	case typeenc.SInt:
		switch t.Size {
		case 1:
			return &C.ffi_type_sint8, nil
		case 2:
			return &C.ffi_type_sint16, nil
		case 4:
			return &C.ffi_type_sint32, nil
		}
		return &C.ffi_type_sint64, nil
	case typeenc.UInt:
		switch t.Size {
		case 1:
			return &C.ffi_type_uint8, nil
		case 2:
			return &C.ffi_type_uint16, nil
		case 4:
			return &C.ffi_type_uint32, nil
		}
		return &C.ffi_type_uint64, nil
	case typeenc.Float:
		return &C.ffi_type_float, nil
	case typeenc.Double:
		return &C.ffi_type_double, nil
	case typeenc.Quad:
		return &C.ffi_type_longdouble, nil
	case typeenc.Pointer:
		return &C.ffi_type_pointer, nil
	}

	if ft, ok := f.types[t]; ok {
		return ft, nil
	}
	var members []*typeenc.Type
	switch t.Kind {
	case typeenc.Struct:
		members = t.Fields
	case typeenc.Union:
		members = []*typeenc.Type{t.Largest()}
	case typeenc.Array:
		members = make([]*typeenc.Type, t.Len)
		for i := range members {
			members[i] = t.Elem
		}
	default:
		return nil, errors.Errorf("no libffi type for %s", t)
	}
	ft := C.a64_struct_type(C.size_t(len(members)))
	if ft == nil {
		return nil, errors.New("libffi type: out of memory")
	}
	for i, m := range members {
		mt, err := f.ffiType(m)
		if err != nil {
			return nil, err
		}
		C.a64_struct_set(ft, C.size_t(i), mt)
	}
	f.types[t] = ft
	return ft, nil
}

func (f *FFI) prepare(d *Descriptor) (*C.ffi_cif, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cif, ok := f.cifs[d]; ok {
		return cif, nil
	}
	rtype, err := f.ffiType(d.Return)
	if err != nil {
		return nil, errors.Wrap(err, "return type")
	}
	atypes := ptrArray(len(d.Args))
	vec := unsafe.Slice((**C.ffi_type)(atypes), max(len(d.Args), 1))
	for i, a := range d.Args {
		at, err := f.ffiType(a)
		if err != nil {
			C.free(atypes)
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		vec[i] = at
	}
	cif := (*C.ffi_cif)(C.calloc(1, C.size_t(unsafe.Sizeof(C.ffi_cif{}))))
	var st C.int
	if d.Variadic {
		st = C.a64_prep_cif_var(cif, C.uint(d.FixedArgs), C.uint(len(d.Args)), rtype, (**C.ffi_type)(atypes))
	} else {
		st = C.a64_prep_cif(cif, C.uint(len(d.Args)), rtype, (**C.ffi_type)(atypes))
	}
	if st != C.FFI_OK {
		C.free(unsafe.Pointer(cif))
		C.free(atypes)
		return nil, errors.Errorf("ffi_prep_cif %s failed: %d", d, int(st))
	}
	f.cifs[d] = cif
	return cif, nil
}

// Invoke implements Invoker. Arguments are copied to the C heap for the
// duration of the call, so Go memory is never handed to native code.
func (f *FFI) Invoke(fn uint64, d *Descriptor, args []unsafe.Pointer, ret unsafe.Pointer) error {
	if fn == 0 {
		return ErrNoHostImplementation
	}
	cif, err := f.prepare(d)
	if err != nil {
		return err
	}
	argv := ptrArray(len(args))
	defer C.free(argv)
	slots := unsafe.Slice((*unsafe.Pointer)(argv), max(len(args), 1))
	for i, a := range args {
		size := max(d.Args[i].Size, 8)
		buf := C.malloc(C.size_t(size))
		defer C.free(buf)
		copy(unsafe.Slice((*byte)(buf), size), unsafe.Slice((*byte)(a), d.Args[i].Size))
		slots[i] = buf
	}
	rsize := max(d.RetSize(), 16)
	rbuf := C.calloc(1, C.size_t(rsize))
	defer C.free(rbuf)

	f.log.WithFields(logrus.Fields{"fn": fn, "sig": d.String()}).Debug("ffi_call")
	C.a64_ffi_call(cif, C.uintptr_t(fn), rbuf, (*unsafe.Pointer)(argv))
	if ret != nil && d.RetSize() > 0 {
		copy(unsafe.Slice((*byte)(ret), max(d.RetSize(), 8)), unsafe.Slice((*byte)(rbuf), max(d.RetSize(), 8)))
	}
	return nil
}

type closure struct {
	d  *Descriptor
	fn ClosureFunc
}

// NewClosure implements ClosureMaker with a libffi closure. The closure is
// never freed; callback pointers handed to native code may be kept anywhere.
func (f *FFI) NewClosure(name string, d *Descriptor, fn ClosureFunc) (uint64, error) {
	cif, err := f.prepare(d)
	if err != nil {
		return 0, err
	}
	var code unsafe.Pointer
	mem := C.a64_closure_alloc(&code)
	if mem == nil {
		return 0, errors.Errorf("%s: ffi_closure_alloc failed", name)
	}
	h := cgo.NewHandle(&closure{d: d, fn: fn})
	if st := C.a64_prep_closure(mem, cif, C.uintptr_t(h), code); st != C.FFI_OK {
		h.Delete()
		return 0, errors.Errorf("%s: ffi_prep_closure_loc failed: %d", name, int(st))
	}
	f.log.WithFields(logrus.Fields{"closure": name, "code": uintptr(code)}).Debug("created host closure")
	return uint64(uintptr(code)), nil
}

//export a64ClosureInvoke
func a64ClosureInvoke(_ *C.ffi_cif, ret unsafe.Pointer, args *unsafe.Pointer, user C.uintptr_t) {
	c := cgo.Handle(user).Value().(*closure)
	argv := unsafe.Slice(args, len(c.d.Args))
	c.fn(argv, ret)
}
