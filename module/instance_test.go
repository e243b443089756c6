package module_test

import (
	"errors"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/hotmod/module"
)

// fakeController is the minimal module.CurrentInstanceProvider a test
// needs to stand in for the real reload.Controller without importing a
// package that would create a cycle back into this one.
type fakeController struct {
	current *module.ReloadableModuleInstance
}

func (c *fakeController) CurrentInstance() *module.ReloadableModuleInstance { return c.current }

func newRuntime(t *testing.T) *goja.Runtime {
	t.Helper()
	return goja.New()
}

func leafDecl(local ...string) *module.ModuleDeclaration {
	return &module.ModuleDeclaration{
		Kind:             module.SyncBodyKind,
		Meta:             &module.Meta{URL: "leaf.js"},
		LocalExportNames: local,
		SyncBody: func(meta *module.Meta, _ module.DynamicImportFunc, onExports module.OnExports) error {
			return nil
		},
	}
}

func TestInstantiatePreBindsLocalExportNames(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t)
	inst := module.NewInstance(leafDecl("value"), rt)
	inst.Instantiate(nil, nil)

	assert.Equal(t, module.StateUnlinked, inst.State())
	v := inst.Exports().Get("value")
	require.NotNil(t, v)
	assert.True(t, goja.IsUndefined(v))
}

func TestLinkBindsDirectExport(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t)

	leaf := module.NewInstance(leafDecl("value"), rt)
	leaf.Instantiate(nil, nil)
	leaf.Evaluate(func(string) (any, error) { return nil, nil }, nil)
	require.NoError(t, leaf.EvaluationError())
	_ = leaf.Exports().Set("value", rt.ToValue(42))

	leafCtl := &fakeController{current: leaf}

	rootDecl := &module.ModuleDeclaration{
		Kind: module.SyncBodyKind,
		Meta: &module.Meta{URL: "root.js"},
		LoadedModules: []module.LoadedModuleRequestEntry{
			{
				Specifier: "./leaf.js",
				Bindings:  []module.ImportBinding{{Imported: "value", Local: "v"}},
				Target:    func() any { return leafCtl },
			},
		},
		SyncBody: func(meta *module.Meta, _ module.DynamicImportFunc, onExports module.OnExports) error { return nil },
	}
	root := module.NewInstance(rootDecl, rt)
	root.Instantiate(nil, nil)

	require.NoError(t, root.Link(nil))
	assert.Equal(t, module.StateLinked, root.State())

	v, ok := root.ResolveImport("v")
	require.True(t, ok)
	assert.EqualValues(t, 42, v.ToInteger())
}

func TestLinkFollowsIndirectExportChain(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t)

	leaf := module.NewInstance(leafDecl("value"), rt)
	leaf.Instantiate(nil, nil)
	leaf.Evaluate(func(string) (any, error) { return nil, nil }, nil)
	_ = leaf.Exports().Set("value", rt.ToValue("leaf-value"))
	leafCtl := &fakeController{current: leaf}

	// mid re-exports leaf's `value` as `forwarded`.
	midDecl := &module.ModuleDeclaration{
		Kind: module.SyncBodyKind,
		Meta: &module.Meta{URL: "mid.js"},
		LoadedModules: []module.LoadedModuleRequestEntry{
			{Specifier: "./leaf.js", Target: func() any { return leafCtl }},
		},
		IndirectExportEntries: map[string]module.IndirectExportEntry{
			"forwarded": {ModuleRequest: 0, Binding: "value"},
		},
	}
	mid := module.NewInstance(midDecl, rt)
	mid.Instantiate(nil, nil)
	require.NoError(t, mid.Link(nil))
	midCtl := &fakeController{current: mid}

	rootDecl := &module.ModuleDeclaration{
		Kind: module.SyncBodyKind,
		Meta: &module.Meta{URL: "root.js"},
		LoadedModules: []module.LoadedModuleRequestEntry{
			{
				Specifier: "./mid.js",
				Bindings:  []module.ImportBinding{{Imported: "forwarded", Local: "f"}},
				Target:    func() any { return midCtl },
			},
		},
	}
	root := module.NewInstance(rootDecl, rt)
	root.Instantiate(nil, nil)
	require.NoError(t, root.Link(nil))

	v, ok := root.ResolveImport("f")
	require.True(t, ok)
	assert.Equal(t, "leaf-value", v.String())
}

func TestLinkReportsMissingExport(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t)

	leaf := module.NewInstance(leafDecl("value"), rt)
	leaf.Instantiate(nil, nil)
	leafCtl := &fakeController{current: leaf}

	rootDecl := &module.ModuleDeclaration{
		Kind: module.SyncBodyKind,
		Meta: &module.Meta{URL: "root.js"},
		LoadedModules: []module.LoadedModuleRequestEntry{
			{
				Specifier: "./leaf.js",
				Bindings:  []module.ImportBinding{{Imported: "missing", Local: "m"}},
				Target:    func() any { return leafCtl },
			},
		},
	}
	root := module.NewInstance(rootDecl, rt)
	root.Instantiate(nil, nil)

	err := root.Link(nil)
	require.Error(t, err)
	var linkErr *module.LinkError
	require.True(t, errors.As(err, &linkErr))
	assert.Equal(t, "missing", linkErr.Problem)
	assert.Equal(t, "missing", linkErr.Name)
}

func TestResolveExportDetectsAmbiguousStarExports(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t)

	a := module.NewInstance(leafDecl("shared"), rt)
	a.Instantiate(nil, nil)
	aCtl := &fakeController{current: a}

	b := module.NewInstance(leafDecl("shared"), rt)
	b.Instantiate(nil, nil)
	bCtl := &fakeController{current: b}

	rootDecl := &module.ModuleDeclaration{
		Kind: module.SyncBodyKind,
		Meta: &module.Meta{URL: "root.js"},
		LoadedModules: []module.LoadedModuleRequestEntry{
			{Specifier: "./a.js", Target: func() any { return aCtl }},
			{Specifier: "./b.js", Target: func() any { return bCtl }},
		},
		StarExportEntries: []module.StarExportEntry{{ModuleRequest: 0}, {ModuleRequest: 1}},
	}
	root := module.NewInstance(rootDecl, rt)
	root.Instantiate(nil, nil)

	importerDecl := &module.ModuleDeclaration{
		Kind: module.SyncBodyKind,
		Meta: &module.Meta{URL: "importer.js"},
		LoadedModules: []module.LoadedModuleRequestEntry{
			{
				Specifier: "./root.js",
				Bindings:  []module.ImportBinding{{Imported: "shared", Local: "s"}},
				Target:    func() any { return &fakeController{current: root} },
			},
		},
	}
	importer := module.NewInstance(importerDecl, rt)
	importer.Instantiate(nil, nil)

	err := importer.Link(nil)
	require.Error(t, err)
	var linkErr *module.LinkError
	require.True(t, errors.As(err, &linkErr))
	assert.Equal(t, "ambiguous", linkErr.Problem)
}

func TestResolveExportCutsSelfReferentialStarCycle(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t)

	// a single-hop `export * from self`: a module whose only star
	// re-export target resolves back to its own controller's current
	// instance - the Open Question scenario the spec calls out.
	var selfCtl fakeController
	decl := &module.ModuleDeclaration{
		Kind: module.SyncBodyKind,
		Meta: &module.Meta{URL: "cyclic.js"},
		LoadedModules: []module.LoadedModuleRequestEntry{
			{Specifier: "./cyclic.js", Target: func() any { return &selfCtl }},
		},
		StarExportEntries: []module.StarExportEntry{{ModuleRequest: 0}},
	}
	self := module.NewInstance(decl, rt)
	self.Instantiate(nil, nil)
	selfCtl.current = self

	importerDecl := &module.ModuleDeclaration{
		Kind: module.SyncBodyKind,
		Meta: &module.Meta{URL: "importer.js"},
		LoadedModules: []module.LoadedModuleRequestEntry{
			{
				Specifier: "./cyclic.js",
				Bindings:  []module.ImportBinding{{Imported: "anything", Local: "x"}},
				Target:    func() any { return &selfCtl },
			},
		},
	}
	importer := module.NewInstance(importerDecl, rt)
	importer.Instantiate(nil, nil)

	err := importer.Link(nil)
	require.Error(t, err)
	var linkErr *module.LinkError
	require.True(t, errors.As(err, &linkErr))
	assert.Equal(t, "cycle", linkErr.Problem)
}

func TestEvaluateRecordsBodyError(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t)
	boom := errors.New("boom")
	decl := &module.ModuleDeclaration{
		Kind: module.SyncBodyKind,
		Meta: &module.Meta{URL: "bad.js"},
		SyncBody: func(meta *module.Meta, _ module.DynamicImportFunc, onExports module.OnExports) error {
			return boom
		},
	}
	inst := module.NewInstance(decl, rt)
	inst.Instantiate(nil, nil)
	inst.Evaluate(func(string) (any, error) { return nil, nil }, nil)

	assert.Equal(t, module.StateEvaluated, inst.State())
	assert.ErrorIs(t, inst.EvaluationError(), boom)
}

func TestEvaluateRecoversBodyPanic(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t)
	decl := &module.ModuleDeclaration{
		Kind: module.SyncBodyKind,
		Meta: &module.Meta{URL: "panics.js"},
		SyncBody: func(meta *module.Meta, _ module.DynamicImportFunc, onExports module.OnExports) error {
			panic("blew up")
		},
	}
	inst := module.NewInstance(decl, rt)
	inst.Instantiate(nil, nil)
	inst.Evaluate(func(string) (any, error) { return nil, nil }, nil)

	assert.Equal(t, module.StateEvaluated, inst.State())
	require.Error(t, inst.EvaluationError())
	assert.Contains(t, inst.EvaluationError().Error(), "blew up")
}

func TestEvaluateTracksDynamicChildren(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t)
	childCtl := &fakeController{}
	decl := &module.ModuleDeclaration{
		Kind:              module.SyncBodyKind,
		Meta:              &module.Meta{URL: "dynamic.js"},
		UsesDynamicImport: true,
		SyncBody: func(meta *module.Meta, dynamicImport module.DynamicImportFunc, onExports module.OnExports) error {
			_, err := dynamicImport("./child.js")
			return err
		},
	}
	inst := module.NewInstance(decl, rt)
	inst.Instantiate(nil, nil)
	inst.Evaluate(func(string) (any, error) { return childCtl, nil }, nil)

	require.NoError(t, inst.EvaluationError())
	deps := inst.IterateDependencies()
	require.Len(t, deps, 1)
	assert.Same(t, childCtl, deps[0])
}

func TestCloneSharesDeclarationButNotState(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t)
	decl := leafDecl("value")
	inst := module.NewInstance(decl, rt)
	inst.Instantiate(nil, nil)
	inst.Evaluate(func(string) (any, error) { return nil, nil }, nil)

	clone := inst.Clone()
	assert.Same(t, decl, clone.Declaration())
	assert.Equal(t, module.StateUnlinked, clone.State())
}

func TestUnlinkReportsWhetherToForgetSlot(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t)
	inst := module.NewInstance(leafDecl("value"), rt)
	inst.Instantiate(nil, nil)
	require.NoError(t, inst.Link(nil))

	forget := inst.Unlink()
	assert.True(t, forget, "never-evaluated instance should be forgotten once unlinked")
	assert.Equal(t, module.StateUnlinked, inst.State())

	inst2 := module.NewInstance(leafDecl("value"), rt)
	inst2.Instantiate(nil, nil)
	inst2.Evaluate(func(string) (any, error) { return nil, nil }, nil)
	forget2 := inst2.Unlink()
	assert.False(t, forget2, "an evaluated instance's slot survives Unlink")
}

func TestModuleNamespaceIncludesLocalAndStarExports(t *testing.T) {
	t.Parallel()

	rt := newRuntime(t)

	leaf := module.NewInstance(leafDecl("fromLeaf"), rt)
	leaf.Instantiate(nil, nil)
	leaf.Evaluate(func(string) (any, error) { return nil, nil }, nil)
	_ = leaf.Exports().Set("fromLeaf", rt.ToValue("leaf"))
	leafCtl := &fakeController{current: leaf}

	decl := &module.ModuleDeclaration{
		Kind:             module.SyncBodyKind,
		Meta:             &module.Meta{URL: "reexport.js"},
		LocalExportNames: []string{"own"},
		LoadedModules: []module.LoadedModuleRequestEntry{
			{Specifier: "./leaf.js", Target: func() any { return leafCtl }},
		},
		StarExportEntries: []module.StarExportEntry{{ModuleRequest: 0}},
	}
	inst := module.NewInstance(decl, rt)
	inst.Instantiate(nil, nil)
	inst.Evaluate(func(string) (any, error) { return nil, nil }, nil)
	_ = inst.Exports().Set("own", rt.ToValue("mine"))

	ns := inst.ModuleNamespace(nil)
	assert.Equal(t, "mine", ns.Get("own").String())
	assert.Equal(t, "leaf", ns.Get("fromLeaf").String())
}
