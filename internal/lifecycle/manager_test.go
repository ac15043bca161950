package lifecycle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appletforge/appletforge/internal/codec"
	"github.com/appletforge/appletforge/internal/registry"
	"github.com/appletforge/appletforge/internal/shared/digest"
	"github.com/appletforge/appletforge/internal/shared/types"
)

func packageBytes(t *testing.T, id, version string, deps ...types.AppletName) []byte {
	t.Helper()
	m := &types.AppletManifest{
		Info: types.AppletInfo{
			AppletName:   types.AppletName{ID: id, Version: version},
			Dependencies: deps,
		},
		Assets: []*types.AppletAsset{
			{
				Name:     "index.html",
				MimeType: "text/html",
				Content: types.AssetContent{
					Kind: types.KindHTML,
					HTML: &types.AssetHTML{Markup: types.MarkupSource{Text: "<p>" + id + "</p>"}},
				},
			},
		},
		Templates: []types.Template{{Mnemonic: id + ".tpl", Body: "<b/>"}},
	}
	m.Initialize()

	pkg, err := codec.Default().Pack(m)
	require.NoError(t, err)
	data, err := codec.SaveBytes(pkg)
	require.NoError(t, err)
	return data
}

func solutionBytes(t *testing.T, id, version string, packages ...[]byte) []byte {
	t.Helper()
	sln := &types.AppletSolution{
		FormatVersion: types.PackageFormatVersion,
		PublishedAt:   time.Now().UTC().Truncate(time.Second),
		Meta:          types.AppletInfo{AppletName: types.AppletName{ID: id, Version: version}},
	}
	for _, raw := range packages {
		pkg, _, err := codec.LoadBytes(raw)
		require.NoError(t, err)
		require.NotNil(t, pkg)
		sln.Packages = append(sln.Packages, *pkg)
	}
	sln.Meta.Hash = digest.MustNew(digest.Default).HexConcat(sln.Payloads()...)
	sln.Meta.HashAlgorithm = string(digest.Default)

	data, err := codec.SaveBytes(sln)
	require.NoError(t, err)
	return data
}

func newTestManager(t *testing.T) (*Manager, *registry.Collection, *MemoryTemplates, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	col := registry.NewCollection(nil)
	templates := NewMemoryTemplates()
	m := NewManager(codec.Default(), codec.NewTrustStore(), codec.VerifyPolicy{AllowUnsigned: true},
		store, col, templates, nil)
	return m, col, templates, dir
}

func TestInstallAndConflict(t *testing.T) {
	m, col, _, _ := newTestManager(t)

	manifest, err := m.Install(packageBytes(t, "org.example.hello", "1.0.0"), false)
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.Equal(t, 1, col.Len())

	t.Run("reinstall without upgrade refused", func(t *testing.T) {
		_, err := m.Install(packageBytes(t, "org.example.hello", "1.1.0"), false)
		assert.ErrorIs(t, err, ErrConflict)
		got, _ := m.GetApplet("org.example.hello")
		assert.Equal(t, "1.0.0", got.Info.Version)
	})

	t.Run("upgrade replaces", func(t *testing.T) {
		_, err := m.Install(packageBytes(t, "org.example.hello", "1.1.0"), true)
		require.NoError(t, err)
		got, ok := m.GetApplet("org.example.hello")
		require.True(t, ok)
		assert.Equal(t, "1.1.0", got.Info.Version)
		assert.Equal(t, 1, col.Len())
	})

	t.Run("persisted bytes readable", func(t *testing.T) {
		data, err := m.GetPackage("org.example.hello")
		require.NoError(t, err)
		pkg, _, err := codec.LoadBytes(data)
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", pkg.Meta.Version)
	})
}

func TestInstallRejectsCorruptPackage(t *testing.T) {
	m, col, _, dir := newTestManager(t)

	data := packageBytes(t, "org.example.bad", "1.0.0")
	pkg, _, err := codec.LoadBytes(data)
	require.NoError(t, err)
	pkg.Manifest[0] ^= 0x01
	tampered, err := codec.SaveBytes(pkg)
	require.NoError(t, err)

	_, err = m.Install(tampered, false)
	assert.ErrorIs(t, err, codec.ErrCorrupt)

	// Nothing committed: registry and store stay empty.
	assert.Equal(t, 0, col.Len())
	_, statErr := os.Stat(filepath.Join(dir, DefaultScope, "org.example.bad"+PackageExt))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnmetDependencyWarnsOnly(t *testing.T) {
	m, col, _, _ := newTestManager(t)

	_, err := m.Install(packageBytes(t, "org.example.app", "1.0.0",
		types.AppletName{ID: "org.example.missing", Version: "2.0.0"}), false)
	require.NoError(t, err)
	assert.Equal(t, 1, col.Len())
}

func TestUnmetDependencyReporting(t *testing.T) {
	col := registry.NewCollection(nil)
	core := &types.AppletManifest{
		Info: types.AppletInfo{AppletName: types.AppletName{
			ID: "org.example.core", Version: "1.0.0", PublicKeyToken: "a1b2c3",
		}},
	}
	core.Initialize()
	col.Add(core)

	depending := func(dep types.AppletName) types.AppletInfo {
		return types.AppletInfo{
			AppletName:   types.AppletName{ID: "org.example.app", Version: "1.0.0"},
			Dependencies: []types.AppletName{dep},
		}
	}

	t.Run("token pin met despite lower version", func(t *testing.T) {
		unmet := unmetDependencies(depending(types.AppletName{
			ID: "org.example.core", Version: "2.0.0", PublicKeyToken: "a1b2c3",
		}), col)
		assert.Empty(t, unmet)
	})

	t.Run("token mismatch falls through to version check", func(t *testing.T) {
		unmet := unmetDependencies(depending(types.AppletName{
			ID: "org.example.core", Version: "2.0.0", PublicKeyToken: "ffffff",
		}), col)
		require.Len(t, unmet, 1)
		assert.Equal(t, "1.0.0", unmet[0].Installed)
	})

	t.Run("version below minimum", func(t *testing.T) {
		unmet := unmetDependencies(depending(types.AppletName{
			ID: "org.example.core", Version: "2.0.0",
		}), col)
		require.Len(t, unmet, 1)
	})

	t.Run("version met", func(t *testing.T) {
		unmet := unmetDependencies(depending(types.AppletName{
			ID: "org.example.core", Version: "0.9.0",
		}), col)
		assert.Empty(t, unmet)
	})

	t.Run("not installed", func(t *testing.T) {
		unmet := unmetDependencies(depending(types.AppletName{
			ID: "org.example.ghost", Version: "1.0.0",
		}), col)
		require.Len(t, unmet, 1)
		assert.Empty(t, unmet[0].Installed)
	})
}

func TestUninstallBlockedByDependents(t *testing.T) {
	m, col, _, _ := newTestManager(t)

	_, err := m.Install(packageBytes(t, "org.example.core", "1.0.0"), false)
	require.NoError(t, err)
	_, err = m.Install(packageBytes(t, "org.example.app", "1.0.0",
		types.AppletName{ID: "org.example.core", Version: "1.0.0"}), false)
	require.NoError(t, err)

	err = m.Uninstall("org.example.core")
	require.ErrorIs(t, err, ErrHasDependents)
	assert.Contains(t, err.Error(), "org.example.app")
	assert.Equal(t, 2, col.Len())

	t.Run("after dependent removal", func(t *testing.T) {
		require.NoError(t, m.Uninstall("org.example.app"))
		require.NoError(t, m.Uninstall("org.example.core"))
		assert.Equal(t, 0, col.Len())
	})

	t.Run("unknown applet", func(t *testing.T) {
		assert.ErrorIs(t, m.Uninstall("org.example.ghost"), ErrNotInstalled)
	})
}

func TestUninstallKeepsRegistrationWhenStoreFails(t *testing.T) {
	m, col, _, _ := newTestManager(t)

	_, err := m.Install(packageBytes(t, "org.example.hello", "1.0.0"), false)
	require.NoError(t, err)

	// Drop the store entry out from under the manager so its delete
	// fails while the applet is still registered.
	require.NoError(t, m.store.Delete(DefaultScope, "org.example.hello"))

	err = m.Uninstall("org.example.hello")
	require.Error(t, err)
	_, ok := col.Get("org.example.hello")
	assert.True(t, ok, "registry keeps the applet when the store delete fails")
}

func TestTemplatePropagation(t *testing.T) {
	m, _, templates, _ := newTestManager(t)

	require.NoError(t, templates.Insert(types.Template{Mnemonic: "org.example.hello.tpl", Body: "<host/>"}))

	_, err := m.Install(packageBytes(t, "org.example.hello", "1.0.0"), false)
	require.NoError(t, err)

	// Existing mnemonics survive; new ones are copied in.
	tpl, ok := templates.Find("org.example.hello.tpl")
	require.True(t, ok)
	assert.Equal(t, "<host/>", tpl.Body)
}

func TestInstallSolution(t *testing.T) {
	m, col, _, _ := newTestManager(t)

	_, err := m.Install(packageBytes(t, "org.example.shared", "2.0.0"), false)
	require.NoError(t, err)

	sln := solutionBytes(t, "org.example.suite", "1.0.0",
		packageBytes(t, "org.example.shared", "1.0.0"),
		packageBytes(t, "org.example.extra", "1.0.0"),
	)
	require.NoError(t, m.InstallSolution(sln, false))

	t.Run("scope contents", func(t *testing.T) {
		applets := m.GetApplets("org.example.suite")
		require.Len(t, applets, 2)
	})

	t.Run("merge prefers higher version", func(t *testing.T) {
		shared, ok := col.Get("org.example.shared")
		require.True(t, ok)
		assert.Equal(t, "2.0.0", shared.Info.Version)

		extra, ok := col.Get("org.example.extra")
		require.True(t, ok)
		assert.Equal(t, "1.0.0", extra.Info.Version)
	})

	t.Run("listed", func(t *testing.T) {
		infos := m.Solutions()
		require.Len(t, infos, 1)
		assert.Equal(t, "org.example.suite", infos[0].ID)
	})

	t.Run("reinstall refused without upgrade", func(t *testing.T) {
		assert.ErrorIs(t, m.InstallSolution(sln, false), ErrConflict)
	})

	t.Run("uninstall withdraws merged applets", func(t *testing.T) {
		require.NoError(t, m.UninstallSolution("org.example.suite"))
		_, ok := col.Get("org.example.extra")
		assert.False(t, ok)
		// The default-scope install of shared is untouched.
		_, ok = col.Get("org.example.shared")
		assert.True(t, ok)
	})
}

func TestRecover(t *testing.T) {
	m, _, _, dir := newTestManager(t)

	_, err := m.Install(packageBytes(t, "org.example.first", "1.0.0"), false)
	require.NoError(t, err)
	require.NoError(t, m.InstallSolution(solutionBytes(t, "org.example.suite", "1.0.0",
		packageBytes(t, "org.example.second", "1.0.0")), false))

	t.Run("fresh process rebuilds state", func(t *testing.T) {
		store, err := NewStore(dir)
		require.NoError(t, err)
		col := registry.NewCollection(nil)
		m2 := NewManager(codec.Default(), codec.NewTrustStore(), codec.VerifyPolicy{AllowUnsigned: true},
			store, col, nil, nil)

		require.NoError(t, m2.Recover())

		_, ok := col.Get("org.example.first")
		assert.True(t, ok)
		_, ok = col.Get("org.example.second")
		assert.True(t, ok)
		assert.Len(t, m2.Solutions(), 1)
	})

	t.Run("duplicate package skipped, first wins", func(t *testing.T) {
		// A second file carrying an already-registered id.
		dupe := packageBytes(t, "org.example.first", "9.9.9")
		require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultScope, "zzz-dupe.pak"), dupe, 0o644))

		store, err := NewStore(dir)
		require.NoError(t, err)
		col := registry.NewCollection(nil)
		m3 := NewManager(codec.Default(), codec.NewTrustStore(), codec.VerifyPolicy{AllowUnsigned: true},
			store, col, nil, nil)

		require.NoError(t, m3.Recover())
		first, ok := col.Get("org.example.first")
		require.True(t, ok)
		assert.Equal(t, "1.0.0", first.Info.Version)
	})

	t.Run("duplicate solution id fatal", func(t *testing.T) {
		dupe := solutionBytes(t, "org.example.suite", "2.0.0",
			packageBytes(t, "org.example.third", "1.0.0"))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "zzz-dupe.sln.pak"), dupe, 0o644))

		store, err := NewStore(dir)
		require.NoError(t, err)
		m4 := NewManager(codec.Default(), codec.NewTrustStore(), codec.VerifyPolicy{AllowUnsigned: true},
			store, registry.NewCollection(nil), nil, nil)

		assert.ErrorIs(t, m4.Recover(), ErrConflict)
	})
}

func TestStoreLocking(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	entry, err := store.Save(DefaultScope, "org.example.a", "1.0.0", []byte("data"), false, false)
	require.NoError(t, err)
	assert.FileExists(t, entry.File)

	t.Run("conflict without upgrade", func(t *testing.T) {
		_, err := store.Save(DefaultScope, "org.example.a", "1.1.0", []byte("data2"), false, false)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("index survives reopen", func(t *testing.T) {
		reopened, err := NewStore(dir)
		require.NoError(t, err)
		e, ok := reopened.Lookup(DefaultScope, "org.example.a")
		require.True(t, ok)
		assert.Equal(t, "1.0.0", e.Version)
	})

	t.Run("delete removes file and entry", func(t *testing.T) {
		require.NoError(t, store.Delete(DefaultScope, "org.example.a"))
		_, ok := store.Lookup(DefaultScope, "org.example.a")
		assert.False(t, ok)
		assert.NoFileExists(t, entry.File)
	})
}
