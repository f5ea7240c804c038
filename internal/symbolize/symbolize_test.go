package symbolize

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupSymtabName(t *testing.T) {
	obj := &object{
		path: "/bin/fake",
		symtab: []elf.Symbol{
			{Name: "foo", Value: 0x1000, Size: 0x10},
			{Name: "bar", Value: 0x2000, Size: 0x20},
		},
	}
	name, ok := obj.lookupSymtabName(0x1008)
	assert.True(t, ok)
	assert.Equal(t, "foo", name)

	name, ok = obj.lookupSymtabName(0x2010)
	assert.True(t, ok)
	assert.Equal(t, "bar", name)

	_, ok = obj.lookupSymtabName(0x1020)
	assert.False(t, ok, "address past foo's size and before bar should miss")

	_, ok = obj.lookupSymtabName(0x500)
	assert.False(t, ok, "address before any symbol should miss")
}

func TestLookupSymtabNameDemangles(t *testing.T) {
	obj := &object{
		path: "/bin/fake",
		symtab: []elf.Symbol{
			{Name: "_Z3foov", Value: 0x1000, Size: 0x10},
		},
	}
	name, ok := obj.lookupSymtabName(0x1008)
	assert.True(t, ok)
	assert.Equal(t, "foo()", name)
}

func TestResolveNoMappings(t *testing.T) {
	s, err := New(nil)
	assert.NoError(t, err)
	desc := s.Resolve(0xdeadbeef)
	assert.Equal(t, "??+0xdeadbeef", desc)
}

func TestResolveCaches(t *testing.T) {
	s, err := New(nil)
	assert.NoError(t, err)
	first := s.Resolve(0x42)
	second := s.Resolve(0x42)
	assert.Equal(t, first, second)
	v, ok := s.cache.Load(uintptr(0x42))
	assert.True(t, ok)
	assert.Equal(t, first, v)
}

func TestDwarfFuncLookupNoLines(t *testing.T) {
	obj := &object{
		dwarfEnt: []dwarfFunc{
			{name: "main.run", lowPC: 0x1000, highPC: 0x1100},
		},
	}
	fn, line, disc, ok := obj.lookupDwarf(0x1050)
	assert.True(t, ok)
	assert.Equal(t, "main.run", fn)
	assert.Equal(t, "??", line)
	assert.Empty(t, disc)
}
