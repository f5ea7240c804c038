// Package symbolize resolves runtime addresses to human-readable
// function@file:line descriptors using debug/elf and debug/dwarf.
package symbolize

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ianlancetaylor/demangle"
)

// object holds the parsed ELF/DWARF state for one loaded binary or
// shared object, cached for the lifetime of the Symbolizer.
type object struct {
	path     string
	loadBase uintptr
	file     *elf.File
	dwarfEnt []dwarfFunc
	symtab   []elf.Symbol // static symbol table, sorted by Value
}

type dwarfFunc struct {
	name     string
	lowPC    uint64
	highPC   uint64
	lines    []dwarfLine
	fileName string
}

type dwarfLine struct {
	pc   uint64
	file string
	line int
}

// Mapping describes one loaded object's address range within the
// traced process, as the caller (the interceptor, reading /proc/self/maps
// or an explicit list from the supervisor) discovers it.
type Mapping struct {
	Path     string
	LoadBase uintptr
}

// Symbolizer resolves addresses against a fixed set of object mappings
// established at construction time; the traced process does not load new
// objects after the interceptor's init, so a static mapping list
// suffices.
type Symbolizer struct {
	mu      sync.Mutex
	objects []*object
	cache   sync.Map // uintptr -> string
}

// New opens and parses every mapping's ELF/DWARF data eagerly; the
// mapping set is known up front, so there is nothing to defer.
func New(mappings []Mapping) (*Symbolizer, error) {
	s := &Symbolizer{}
	for _, mp := range mappings {
		obj, err := loadObject(mp)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("symbolize: loading %s: %w", mp.Path, err)
		}
		s.objects = append(s.objects, obj)
	}
	return s, nil
}

func loadObject(mp Mapping) (*object, error) {
	f, err := elf.Open(mp.Path)
	if err != nil {
		return nil, err
	}
	obj := &object{path: mp.Path, loadBase: mp.LoadBase, file: f}

	if syms, err := f.Symbols(); err == nil {
		sort.Slice(syms, func(i, j int) bool { return syms[i].Value < syms[j].Value })
		obj.symtab = syms
	}

	if dw, err := f.DWARF(); err == nil {
		obj.dwarfEnt = extractFuncs(dw)
	}

	return obj, nil
}

// extractFuncs walks the DWARF .debug_info tree collecting subprogram
// DIEs with their PC ranges, plus every compile unit's line table, and
// assigns each function the line entries covering its range. Line
// readers only exist per compile unit, so the table is gathered in one
// pass and partitioned afterwards.
func extractFuncs(dw *dwarf.Data) []dwarfFunc {
	var funcs []dwarfFunc
	var lines []dwarfLine
	rdr := dw.Reader()
	for {
		ent, err := rdr.Next()
		if err != nil || ent == nil {
			break
		}
		switch ent.Tag {
		case dwarf.TagCompileUnit:
			lr, err := dw.LineReader(ent)
			if err != nil || lr == nil {
				continue
			}
			var le dwarf.LineEntry
			for lr.Next(&le) == nil {
				if le.EndSequence || le.File == nil {
					continue
				}
				lines = append(lines, dwarfLine{
					pc:   le.Address,
					file: filepath.Base(le.File.Name),
					line: le.Line,
				})
			}
		case dwarf.TagSubprogram:
			name, _ := ent.Val(dwarf.AttrName).(string)
			low, lowOK := ent.Val(dwarf.AttrLowpc).(uint64)
			if !lowOK || name == "" {
				continue
			}
			high := low
			switch hv := ent.Val(dwarf.AttrHighpc).(type) {
			case uint64:
				high = low + hv
			case int64:
				high = low + uint64(hv)
			}
			funcs = append(funcs, dwarfFunc{name: name, lowPC: low, highPC: high})
		}
	}

	sort.Slice(lines, func(i, j int) bool { return lines[i].pc < lines[j].pc })
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].lowPC < funcs[j].lowPC })
	for i := range funcs {
		fn := &funcs[i]
		lo := sort.Search(len(lines), func(j int) bool { return lines[j].pc >= fn.lowPC })
		hi := sort.Search(len(lines), func(j int) bool { return lines[j].pc >= fn.highPC })
		if lo < hi {
			fn.lines = append([]dwarfLine(nil), lines[lo:hi]...)
		}
	}
	return funcs
}

// demangled maps a linkage name to its source-level form; a name that
// is not mangled (plain C, already-demangled DWARF) passes through
// unchanged.
func demangled(name string) string {
	return demangle.Filter(name)
}

// Resolve returns a descriptor for pc in the form
// "name@file:line" (the name demangled when the target was compiled
// from C++), or "objectpath+0xoffset" when no symbol or line
// information is available.
func (s *Symbolizer) Resolve(pc uintptr) string {
	if v, ok := s.cache.Load(pc); ok {
		return v.(string)
	}
	desc := s.resolveUncached(pc)
	s.cache.Store(pc, desc)
	return desc
}

func (s *Symbolizer) resolveUncached(pc uintptr) string {
	obj := s.objectFor(pc)
	if obj == nil {
		return fmt.Sprintf("??+0x%x", uint64(pc))
	}
	fileAddr := uint64(pc) - uint64(obj.loadBase)

	if fn, line, disc, ok := obj.lookupDwarf(fileAddr); ok {
		desc := fn + "@" + line
		if disc != "" {
			desc += "_" + disc
		}
		return desc
	}
	if name, ok := obj.lookupSymtabName(fileAddr); ok {
		return name + "@??:??"
	}
	return fmt.Sprintf("%s+0x%x", obj.path, fileAddr)
}

func (o *object) lookupDwarf(fileAddr uint64) (fn, line, disc string, ok bool) {
	for _, f := range o.dwarfEnt {
		if fileAddr < f.lowPC || fileAddr >= f.highPC {
			continue
		}
		name := demangled(f.name)
		if len(f.lines) == 0 {
			return name, "??", "", true
		}
		// find the last line entry with pc <= fileAddr
		idx := sort.Search(len(f.lines), func(i int) bool { return f.lines[i].pc > fileAddr }) - 1
		if idx < 0 {
			idx = 0
		}
		ln := f.lines[idx]
		return name, fmt.Sprintf("%s:%d", ln.file, ln.line), "", true
	}
	return "", "", "", false
}

func (o *object) lookupSymtabName(fileAddr uint64) (string, bool) {
	idx := sort.Search(len(o.symtab), func(i int) bool { return o.symtab[i].Value > fileAddr }) - 1
	if idx < 0 || idx >= len(o.symtab) {
		return "", false
	}
	sym := o.symtab[idx]
	if sym.Size > 0 && fileAddr >= sym.Value+sym.Size {
		return "", false
	}
	if sym.Name == "" {
		return "", false
	}
	return demangled(sym.Name), true
}

func (s *Symbolizer) objectFor(pc uintptr) *object {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range s.objects {
		start, end, err := obj.bounds()
		if err != nil {
			continue
		}
		if pc >= start && pc < end {
			return obj
		}
	}
	return nil
}

func (o *object) bounds() (start, end uintptr, err error) {
	var lo, hi uint64
	first := true
	for _, prog := range o.file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		s := prog.Vaddr
		e := prog.Vaddr + prog.Memsz
		if first {
			lo, hi = s, e
			first = false
			continue
		}
		if s < lo {
			lo = s
		}
		if e > hi {
			hi = e
		}
	}
	if first {
		return 0, 0, fmt.Errorf("no PT_LOAD segments in %s", o.path)
	}
	return o.loadBase + uintptr(lo), o.loadBase + uintptr(hi), nil
}

// ObjectBounds returns the start/end address range of the object
// containing hintPC, used by the interceptor to classify the
// interceptor's own shared object for stack-trace skip logic.
func (s *Symbolizer) ObjectBounds(hintPC uintptr) (start, end uintptr, err error) {
	obj := s.objectFor(hintPC)
	if obj == nil {
		return 0, 0, fmt.Errorf("symbolize: no mapping contains pc 0x%x", hintPC)
	}
	return obj.bounds()
}

// LookupStatic resolves a static (non-dynamic-table) symbol name to an
// address, using hintPC to pick which mapped object to search.
func (s *Symbolizer) LookupStatic(name string, hintPC uintptr) (uintptr, bool) {
	obj := s.objectFor(hintPC)
	if obj == nil {
		return 0, false
	}
	for _, sym := range obj.symtab {
		if sym.Name == name {
			return obj.loadBase + uintptr(sym.Value), true
		}
	}
	return 0, false
}

// Close releases every cached *elf.File.
func (s *Symbolizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, obj := range s.objects {
		if obj.file == nil {
			continue
		}
		if err := obj.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.objects = nil
	return firstErr
}
