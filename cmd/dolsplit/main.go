// Command dolsplit recovers relinkable objects and a CodeWarrior
// linker script from a shipped GameCube/Wii DOL or REL image, byte-
// for-byte reproducing the original layout when the objects are
// relinked unmodified.
package main

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dolsplit/dolsplit/internal/buildinfo"
	"github.com/dolsplit/dolsplit/internal/cfa"
	"github.com/dolsplit/dolsplit/internal/config"
	"github.com/dolsplit/dolsplit/internal/dol"
	"github.com/dolsplit/dolsplit/internal/elfobj"
	"github.com/dolsplit/dolsplit/internal/linkorder"
	"github.com/dolsplit/dolsplit/internal/objfile"
	"github.com/dolsplit/dolsplit/internal/objwriter"
	"github.com/dolsplit/dolsplit/internal/relfmt"
	"github.com/dolsplit/dolsplit/internal/relocrecon"
	"github.com/dolsplit/dolsplit/internal/secdata"
	"github.com/dolsplit/dolsplit/internal/sig"
	"github.com/dolsplit/dolsplit/internal/split"
	"github.com/dolsplit/dolsplit/internal/warn"
)

var log = logrus.New()

func main() {
	root := &cobra.Command{
		Use:   "dolsplit",
		Short: "Split a shipped GameCube/Wii DOL or REL into relinkable objects.",
	}

	var verbose bool
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cobra.OnInitialize(func() {
		if verbose {
			log.SetLevel(logrus.DebugLevel)
		}
	})

	root.AddCommand(newSplitCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dolsplit version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildinfo.String())
		},
	}
}

func newSplitCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Run the full analysis pipeline and emit split objects plus a linker script.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSplit(cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "dolsplit.yaml", "path to the configuration file")
	return cmd
}

// runSplit drives the pipeline end to end. Every stage that can
// detect an invariant violation it has no recovery path for panics;
// the single recover here converts that into a logged fatal error,
// per spec §7's "invariant violations panic; the top-level driver
// recovers and reports them as a single fatal error, never a silent
// partial result."
func runSplit(cfgPath string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dolsplit: internal invariant violation: %v", r)
		}
	}()

	cfg, loadErr := config.Load(cfgPath)
	if loadErr != nil {
		return loadErr
	}

	o, loadWarnings, loadErr := loadInputs(cfg)
	if loadErr != nil {
		return loadErr
	}

	warnings := &warn.Set{}
	warnings.AddAll(loadWarnings)

	if applyErr := cfg.ApplyTo(o); applyErr != nil {
		return applyErr
	}

	sigDB, sigErr := loadSignatures(cfg)
	if sigErr != nil {
		return sigErr
	}

	tables := analyzeObject(o, sigDB, warnings)

	units, splitErr := split.Partition(o)
	if splitErr != nil {
		return splitErr
	}

	for secIdx, entries := range tables.ctors {
		var offsets, targets []uint32
		for _, e := range entries {
			offsets = append(offsets, e.Offset)
			targets = append(targets, e.Address)
		}
		split.CoSplitCtors(o, units, secIdx, offsets, targets)
	}
	if tables.extabIndexSection >= 0 && tables.extabSection >= 0 {
		split.CoSplitExtab(o, units, tables.extabIndexSection, tables.extabSection, tables.extab)
	}

	for _, u := range units {
		for secIdx := range u.Ranges {
			if sec := o.Sections[secIdx]; sec.Kind == objfile.SectionBss {
				if placeErr := split.PlaceCommons(u, secIdx); placeErr != nil {
					return placeErr
				}
			}
		}
	}

	if writeErr := writeUnits(cfg, o, units); writeErr != nil {
		return writeErr
	}

	for _, w := range warnings.Sorted() {
		log.WithFields(logrus.Fields{"address": fmt.Sprintf("%#010x", w.Address), "section": w.Section}).Warn(w.Message)
	}
	log.Infof("wrote %d translation units to %s", len(units), cfg.OutputDir)
	return nil
}

// loadInputs dispatches to the DOL or REL loader by file extension,
// merges any REL modules after the main DOL image, and folds in an
// unstripped ELF's symbols when the configuration names one.
func loadInputs(cfg *config.Config) (*objfile.Object, []warn.Warning, error) {
	data, err := os.ReadFile(cfg.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("dolsplit: reading %s: %w", cfg.Input, err)
	}

	var o *objfile.Object
	switch filepath.Ext(cfg.Input) {
	case ".rel":
		mod, parseErr := relfmt.Parse(data)
		if parseErr != nil {
			return nil, nil, parseErr
		}
		o = mod.ToObject(filepath.Base(cfg.Input))
	default:
		var dolErr error
		o, _, dolErr = dol.Load(data)
		if dolErr != nil {
			return nil, nil, dolErr
		}
	}

	if len(cfg.Modules) > 0 {
		ids := make([]uint32, 0, len(cfg.Modules))
		for id := range cfg.Modules {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		// Each REL module's parse is independent; run them concurrently
		// and resequence into module-id order afterward, so output and
		// warnings never depend on goroutine scheduling.
		loaded := make([]*objfile.Object, len(ids))
		g := new(errgroup.Group)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i, id := range ids {
			i, id, path := i, id, cfg.Modules[id]
			g.Go(func() error {
				relData, readErr := os.ReadFile(path)
				if readErr != nil {
					return readErr
				}
				mod, parseErr := relfmt.Parse(relData)
				if parseErr != nil {
					return fmt.Errorf("dolsplit: parsing module %d (%s): %w", id, path, parseErr)
				}
				loaded[i] = mod.ToObject(filepath.Base(path))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}

		dolEnd := uint32(0)
		for _, s := range o.Sections {
			if end := s.End(); end > dolEnd {
				dolEnd = end
			}
		}
		relfmt.Merge(dolEnd, loaded)
	}

	var warnings []warn.Warning
	if cfg.SymbolsFile != "" {
		f, openErr := elf.Open(cfg.SymbolsFile)
		if openErr != nil {
			return nil, nil, openErr
		}
		defer f.Close()
		syms, symErr := elfobj.Load(f)
		if symErr != nil {
			return nil, nil, symErr
		}
		for _, sym := range syms {
			if sec, secErr := o.SectionAt(sym.Address); secErr == nil {
				sym.Section = sec.Index
			} else {
				sym.Section = -1
			}
			if _, mergeWarn := o.AddSymbol(sym, true); len(mergeWarn) > 0 {
				for _, m := range mergeWarn {
					warnings = append(warnings, warn.New(sym.Address, sym.Section, m))
				}
			}
		}
	}
	return o, warnings, nil
}

func loadSignatures(cfg *config.Config) (*sig.DB, error) {
	db, err := sig.Load()
	if err != nil {
		return nil, err
	}
	if cfg.SignaturesFile == "" {
		return db, nil
	}
	data, err := os.ReadFile(cfg.SignaturesFile)
	if err != nil {
		return nil, err
	}
	user, err := sig.LoadFrom(data)
	if err != nil {
		return nil, err
	}
	return db.Merge(user), nil
}

// tableEntries carries the support-table records the Section & Data
// Analyzer parsed, so runSplit can hand them to CoSplitCtors and
// CoSplitExtab once Partition has built the initial Unit set.
type tableEntries struct {
	ctors             map[int][]secdata.CtorEntry // section index (.ctors/.dtors) -> its entries
	extabIndexSection int                         // -1 if the object has none
	extabSection      int                         // -1 if the object has none
	extab             []secdata.ExtabEntry
}

// analyzeObject first parses extabindex (Section/Data Analyzer) so its
// functions are known, then runs the Control-Flow Analyzer, Signature
// Matcher and Relocation Reconstructor over each code section, and
// last parses .ctors/.dtors and reconstructs their pointer words.
func analyzeObject(o *objfile.Object, sigDB *sig.DB, warnings *warn.Set) tableEntries {
	tables := tableEntries{ctors: map[int][]secdata.CtorEntry{}, extabIndexSection: -1, extabSection: -1}

	for secIdx := range o.Sections {
		sec := &o.Sections[secIdx]
		switch sec.Kind {
		case objfile.SectionExtabIndex:
			entries, extabWarnings := secdata.ParseExtabIndex(sec, extabBaseFor(o))
			warnings.AddAll(extabWarnings)
			secdata.ApplyExtab(o, entries)
			tables.extabIndexSection = secIdx
			tables.extabSection = extabSectionIndex(o)
			tables.extab = entries
		}
	}

	for secIdx := range o.Sections {
		sec := &o.Sections[secIdx]
		if sec.Kind != objfile.SectionCode {
			continue
		}
		seeds := cfa.SeedsFromObject(o)
		known := cfa.KnownFunctionSizes(o.KnownFunctions)
		result, cfaWarnings := cfa.Analyze(sec.Address, sec.Data, seeds, known)
		warnings.AddAll(cfaWarnings)

		var candidates []uint32
		for _, fn := range result.Functions {
			candidates = append(candidates, fn.Start)
			o.AddSymbol(objfile.Symbol{
				Name: syntheticFuncName(fn.Start), Address: fn.Start, Section: secIdx,
				Kind: objfile.SymFunction, Size: fn.End - fn.Start, Flags: objfile.FlagSizeKnown,
			}, false)
		}
		matches, conflicts := sigDB.Scan(sec.Address, sec.Data, candidates)
		for _, c := range conflicts {
			warnings.Add(warn.Ambiguous(c.Address, secIdx, "signature conflict: %v", c.Names))
		}
		sig.ApplyMatches(o, matches)

		recWarnings := relocrecon.Reconstruct(sec, o.Symbols, relocrecon.Options{SdaBase: o.SdaBase, Sda2Base: o.Sda2Base})
		warnings.AddAll(recWarnings)
	}

	for secIdx := range o.Sections {
		sec := &o.Sections[secIdx]
		switch sec.Kind {
		case objfile.SectionCtors, objfile.SectionDtors:
			entries, ctorWarnings := secdata.ParseCtors(sec)
			warnings.AddAll(ctorWarnings)
			tables.ctors[secIdx] = entries
			var targets []uint32
			for _, e := range entries {
				targets = append(targets, e.Address)
			}
			dataWarnings := relocrecon.ReconstructDataWords(sec, o.Symbols, func(addr uint32) bool {
				for _, t := range targets {
					if t == addr {
						return true
					}
				}
				return false
			})
			warnings.AddAll(dataWarnings)
		}
	}

	return tables
}

func extabBaseFor(o *objfile.Object) uint32 {
	for _, sec := range o.Sections {
		if sec.Kind == objfile.SectionExtab {
			return sec.Address
		}
	}
	return 0
}

func extabSectionIndex(o *objfile.Object) int {
	for i, sec := range o.Sections {
		if sec.Kind == objfile.SectionExtab {
			return i
		}
	}
	return -1
}

// syntheticFuncName names a function the Control-Flow Analyzer found
// with no covering symbol, per spec §3's deterministic synthetic
// scheme (fn_<hex addr> / lbl_<hex addr> / data_<hex addr>).
func syntheticFuncName(addr uint32) string {
	return fmt.Sprintf("fn_%08x", addr)
}

// writeUnits emits one ELF32 object per translation unit plus a
// single linker script ordering all of them, per spec §4.8-§4.9.
func writeUnits(cfg *config.Config, o *objfile.Object, units []*split.Unit) error {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}

	graph, err := linkorder.Build(units, func(a, b *split.Unit) bool {
		return unitPrecedes(a, b) || unitReferencesSupportTable(o, a, b)
	})
	if err != nil {
		return err
	}
	order, err := graph.Order()
	if err != nil {
		return err
	}

	// Each unit's own serialization is independent of its siblings;
	// run them concurrently and fold results back in `units` order
	// afterward, so the emitted files and the linker script's section
	// placements never depend on goroutine scheduling (spec §5).
	unitPlacements := make([]linkorder.UnitPlacement, len(units))
	wg := new(errgroup.Group)
	wg.SetLimit(runtime.GOMAXPROCS(0))
	for i, u := range units {
		i, u := i, u
		wg.Go(func() error {
			var secs []*objfile.Section
			var names []string
			var secPlacements []linkorder.SectionPlacement
			for secIdx, ranges := range u.Ranges {
				if len(ranges) == 0 {
					continue
				}
				sec := o.Sections[secIdx]
				slice := sliceSection(&sec, ranges, u.Relocs[secIdx])
				secs = append(secs, &slice)
				names = append(names, sec.Name)
				for _, r := range ranges {
					secPlacements = append(secPlacements, linkorder.SectionPlacement{Name: sec.Name, Start: r.Start, End: r.End, Kind: sec.Kind.String()})
				}
			}

			data, writeErr := objwriter.Write(secs, names, u.Symbols, o.Symbols)
			if writeErr != nil {
				return fmt.Errorf("dolsplit: writing unit %q: %w", u.Name, writeErr)
			}
			outPath := filepath.Join(cfg.OutputDir, u.Name)
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return err
			}
			unitPlacements[i] = linkorder.UnitPlacement{Name: u.Name, Sections: secPlacements}
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return err
	}

	placements := map[string]linkorder.UnitPlacement{}
	for _, p := range unitPlacements {
		placements[p.Name] = p
	}

	entry := symbolNameAt(o, o.Entry)
	script, err := linkorder.Emit(order, placements, o.SdaBase, o.Sda2Base, entry)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cfg.OutputDir, "link.ld"), []byte(script), 0o644)
}

// sliceSection builds sec's view of a unit's owned ranges: their bytes
// concatenated in ascending order (a single range in the common case,
// several non-contiguous ones for a co-split table entry set), with
// each relocation's offset remapped from the section's own coordinates
// into the concatenated slice's, since the slice's data no longer
// starts at sec.Address.
func sliceSection(sec *objfile.Section, ranges []split.Range, relocs []objfile.Reloc) objfile.Section {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	slice := *sec
	slice.Address = ranges[0].Start

	var size uint32
	var data []byte
	for _, r := range ranges {
		size += r.End - r.Start
		if sec.Data != nil {
			lo, hi := r.Start-sec.Address, r.End-sec.Address
			if hi > uint32(len(sec.Data)) {
				hi = uint32(len(sec.Data))
			}
			data = append(data, sec.Data[lo:hi]...)
		}
	}
	slice.Size = size
	slice.Data = data

	var remapped []objfile.Reloc
	for _, reloc := range relocs {
		addr := sec.Address + reloc.Offset
		var cum uint32
		for _, r := range ranges {
			if r.Contains(addr) {
				nr := reloc
				nr.Offset = cum + (addr - r.Start)
				remapped = append(remapped, nr)
				break
			}
			cum += r.End - r.Start
		}
	}
	slice.Relocs = remapped

	return slice
}

func symbolNameAt(o *objfile.Object, addr uint32) string {
	for _, id := range o.Symbols.AtAddress(addr) {
		return o.Symbols.At(id).Name
	}
	return ""
}

// unitPrecedes reports whether a owns an address strictly lower than
// b's lowest address in some section both occupy — the first of the
// two link-order edge criteria spec §4.8 defines. It is used instead
// of "a calls b" because two units that call each other (the ordinary
// case for any pair of mutually-recursive or simply cross-referencing
// C/C++ translation units) would produce edges in both directions and
// make graph.PreventCycles reject every realistic multi-TU split. It
// is not acyclic in every case: two units whose relative order differs
// between two shared sections get edges both ways, and the Link
// Orderer's Build then returns a cycle error.
func unitPrecedes(a, b *split.Unit) bool {
	for secIdx, aRanges := range a.Ranges {
		bRanges, ok := b.Ranges[secIdx]
		if !ok || len(aRanges) == 0 || len(bRanges) == 0 {
			continue
		}
		if lowestStart(aRanges) < lowestStart(bRanges) {
			return true
		}
	}
	return false
}

func lowestStart(ranges []split.Range) uint32 {
	best := ranges[0].Start
	for _, r := range ranges[1:] {
		if r.Start < best {
			best = r.Start
		}
	}
	return best
}

// unitReferencesSupportTable reports whether a owns a .ctors/.dtors/
// extab/extabindex entry whose relocation targets a function b owns —
// the second link-order edge criterion spec §4.8 defines. After
// CoSplitCtors/CoSplitExtab run, an entry and the function it
// describes are normally already the same unit; this only fires for
// an entry the co-split pass left behind because its function wasn't
// owned by any unit analyzed in this run.
func unitReferencesSupportTable(o *objfile.Object, a, b *split.Unit) bool {
	for secIdx, relocs := range a.Relocs {
		if !isCoSplitTableSection(o, secIdx) {
			continue
		}
		for _, r := range relocs {
			if r.Target == objfile.NoSym {
				continue
			}
			target := o.Symbols.At(r.Target)
			if b.Contains(target.Section, target.Address) {
				return true
			}
		}
	}
	return false
}

func isCoSplitTableSection(o *objfile.Object, secIdx int) bool {
	switch o.Sections[secIdx].Kind {
	case objfile.SectionCtors, objfile.SectionDtors, objfile.SectionExtab, objfile.SectionExtabIndex:
		return true
	default:
		return false
	}
}
