// Package hookreg maps (module, symbol) pairs to the stable 64-bit
// function identifiers carried in every trace event:
//
//	function_id = module_id << 32 | symbol_index
//
// module_id is the FNV-1a-32 hash of the lowercased module path (zero
// rewritten to a fixed sentinel); symbol_index is a per-module 1-based
// dense counter assigned in registration order. The mapping is stable
// for a session and exported verbatim into the manifest.
package hookreg

import (
	"fmt"
	"sort"
	"sync"
)

// moduleIDZeroSentinel replaces a zero hash so module id 0 stays free
// as a debugging tripwire.
const moduleIDZeroSentinel = 0x9e3779b9

// FNV1a32CI hashes s with FNV-1a-32 after ASCII-lowercasing.
func FNV1a32CI(s string) uint32 {
	const (
		offset = 2166136261
		prime  = 16777619
	)
	h := uint32(offset)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 32
		}
		h ^= uint32(c)
		h *= prime
	}
	if h == 0 {
		h = moduleIDZeroSentinel
	}
	return h
}

// MakeFunctionID packs a module id and symbol index.
func MakeFunctionID(moduleID, symbolIndex uint32) uint64 {
	return uint64(moduleID)<<32 | uint64(symbolIndex)
}

// ModuleExport is one module's manifest entry.
type ModuleExport struct {
	ModuleID    uint32 `json:"module_id"`
	Path        string `json:"path"`
	BaseAddress string `json:"base_address,omitempty"`
	Size        uint64 `json:"size,omitempty"`
	UUID        string `json:"uuid,omitempty"`
}

// SymbolExport is one registered symbol's manifest entry.
type SymbolExport struct {
	FunctionID  string `json:"function_id"`
	ModuleID    uint32 `json:"module_id"`
	SymbolIndex uint32 `json:"symbol_index"`
	Name        string `json:"name"`
}

type moduleEntry struct {
	moduleID    uint32
	nextIndex   uint32
	nameToIndex map[string]uint32

	baseAddress uint64
	size        uint64
	uuid        [16]byte
	metadataSet bool
}

// HookRegistry is the in-process mapping used by the hook collaborator.
// Safe for concurrent use; registration happens at hook-install time,
// never on the event hot path.
type HookRegistry struct {
	mu      sync.Mutex
	modules map[string]*moduleEntry
}

// NewHookRegistry creates an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{modules: make(map[string]*moduleEntry)}
}

func (r *HookRegistry) moduleLocked(modulePath string) *moduleEntry {
	me, ok := r.modules[modulePath]
	if !ok {
		me = &moduleEntry{
			moduleID:    FNV1a32CI(modulePath),
			nextIndex:   1,
			nameToIndex: make(map[string]uint32),
		}
		r.modules[modulePath] = me
	}
	return me
}

// RegisterSymbol returns the function id for (modulePath, symbol),
// assigning the next dense index on first registration.
func (r *HookRegistry) RegisterSymbol(modulePath, symbol string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	me := r.moduleLocked(modulePath)
	if idx, ok := me.nameToIndex[symbol]; ok {
		return MakeFunctionID(me.moduleID, idx)
	}
	idx := me.nextIndex
	me.nextIndex++
	me.nameToIndex[symbol] = idx
	return MakeFunctionID(me.moduleID, idx)
}

// GetID looks up an already-registered symbol.
func (r *HookRegistry) GetID(modulePath, symbol string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	me, ok := r.modules[modulePath]
	if !ok {
		return 0, false
	}
	idx, ok := me.nameToIndex[symbol]
	if !ok {
		return 0, false
	}
	return MakeFunctionID(me.moduleID, idx), true
}

// ModuleID returns the module id for modulePath, or 0 when unknown.
func (r *HookRegistry) ModuleID(modulePath string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	me, ok := r.modules[modulePath]
	if !ok {
		return 0
	}
	return me.moduleID
}

// SymbolCount returns the number of symbols registered for modulePath.
func (r *HookRegistry) SymbolCount(modulePath string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	me, ok := r.modules[modulePath]
	if !ok {
		return 0
	}
	return len(me.nameToIndex)
}

// SetModuleMetadata attaches load metadata to a module, creating the
// entry when the module has not registered symbols yet.
func (r *HookRegistry) SetModuleMetadata(modulePath string, baseAddress, size uint64, uuid [16]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	me := r.moduleLocked(modulePath)
	me.baseAddress = baseAddress
	me.size = size
	me.uuid = uuid
	me.metadataSet = true
}

// ModuleCount returns the number of known modules.
func (r *HookRegistry) ModuleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.modules)
}

// Clear empties the registry.
func (r *HookRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = make(map[string]*moduleEntry)
}

func formatUUID(u [16]byte) string {
	return fmt.Sprintf("%08X-%04X-%04X-%04X-%012X",
		u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

// Export produces the manifest's modules and symbols tables, sorted by
// module path and symbol index for deterministic output.
func (r *HookRegistry) Export() ([]ModuleExport, []SymbolExport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.modules))
	for path := range r.modules {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	modules := make([]ModuleExport, 0, len(paths))
	var symbols []SymbolExport

	for _, path := range paths {
		me := r.modules[path]
		mod := ModuleExport{
			ModuleID: me.moduleID,
			Path:     path,
		}
		if me.metadataSet {
			mod.BaseAddress = fmt.Sprintf("0x%x", me.baseAddress)
			mod.Size = me.size
			mod.UUID = formatUUID(me.uuid)
		}
		modules = append(modules, mod)

		names := make([]string, 0, len(me.nameToIndex))
		for name := range me.nameToIndex {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			return me.nameToIndex[names[i]] < me.nameToIndex[names[j]]
		})
		for _, name := range names {
			idx := me.nameToIndex[name]
			symbols = append(symbols, SymbolExport{
				FunctionID:  fmt.Sprintf("0x%016x", MakeFunctionID(me.moduleID, idx)),
				ModuleID:    me.moduleID,
				SymbolIndex: idx,
				Name:        name,
			})
		}
	}
	return modules, symbols
}
