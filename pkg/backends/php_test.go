package backends

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/resources"
)

func blogApp(version string) *resources.WebApp {
	return &resources.WebApp{
		Name:       "blog",
		Account:    "acme",
		Type:       "php",
		PHPVersion: version,
		Options: resources.WebAppOptions{
			Processes:  4,
			Directives: map[string]string{"upload_max_filesize": "16M", "memory_limit": "256M"},
		},
	}
}

func TestSplitVersion(t *testing.T) {
	tests := []struct {
		version    string
		number     string
		mode       string
		wantConfig bool
	}{
		{version: "7.4-fpm", number: "7.4", mode: ModeFPM},
		{version: "5.6-cgi", number: "5.6", mode: ModeCGI},
		{version: "8.2-mod", wantConfig: true},
		{version: "8.2", wantConfig: true},
		{version: "-fpm", wantConfig: true},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			number, mode, err := SplitVersion(tt.version)
			if tt.wantConfig {
				require.Error(t, err)
				assert.True(t, engine.IsConfiguration(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.number, number)
			assert.Equal(t, tt.mode, mode)
		})
	}
}

func TestPHPBuildContext(t *testing.T) {
	s, root := testSettings(t)
	p := NewPHP(s)

	ctx, err := p.BuildContext(blogApp("7.4-fpm"))
	require.NoError(t, err)
	again, err := p.BuildContext(blogApp("7.4-fpm"))
	require.NoError(t, err)
	assert.True(t, ctx.Equal(again))

	assert.Equal(t, "acme-blog", ctx.String("pool"))
	assert.Equal(t, "7.4", ctx.String("php_version_number"))
	assert.Equal(t, 4, ctx.Int("max_children"))
	assert.Equal(t, 400, ctx.Int("max_requests"))
	assert.Equal(t, 30, ctx.Int("request_timeout"))
	assert.Equal(t, filepath.Join(root, "php/7.4/pool.d/acme-blog.conf"), ctx.String("fpm_path"))
	assert.Equal(t, []Directive{{"memory_limit", "256M"}, {"upload_max_filesize", "16M"}}, ctx["php_ini_directives"])
	assert.Contains(t, ctx.String("fpm_config"), "php_admin_value[memory_limit] = 256M\nphp_admin_value[upload_max_filesize] = 16M\n")
	assert.Contains(t, ctx.String("wrapper"), "-d 'memory_limit=256M' -d 'upload_max_filesize=16M'")

	s.PHP.Merge = true
	ctx, err = NewPHP(s).BuildContext(blogApp(""))
	require.NoError(t, err)
	assert.Equal(t, "acme", ctx.String("pool"))
	assert.Equal(t, s.PHP.DefaultVersion, ctx.String("php_version"))

	_, err = p.BuildContext(blogApp("7.4-lsapi"))
	assert.True(t, engine.IsConfiguration(err))
}

func TestPHPSaveIsIdempotent(t *testing.T) {
	requireBash(t)
	s, root := testSettings(t)
	p := NewPHP(s)
	app := blogApp("7.4-fpm")
	b := testBatch(s, app)
	flag := b.Flag("php", "fpm-7.4")

	script := engine.NewScript()
	require.NoError(t, p.Save(t.Context(), b, app, script))
	runScript(t, script)

	pool := readFile(t, filepath.Join(root, "php/7.4/pool.d/acme-blog.conf"))
	assert.Contains(t, pool, "[acme-blog]\n")
	assert.Contains(t, pool, "pm = ondemand\n")
	assert.Contains(t, pool, "pm.max_children = 4\n")
	assert.FileExists(t, flag)

	require.NoError(t, os.Remove(flag))
	runScript(t, script)
	assert.NoFileExists(t, flag, "unchanged pool must not flag a reload")
}

func TestPHPSaveRemovesOtherVersions(t *testing.T) {
	requireBash(t)
	s, root := testSettings(t)
	p := NewPHP(s)
	old := filepath.Join(root, "php/7.4/pool.d/acme-blog.conf")
	require.NoError(t, os.MkdirAll(filepath.Dir(old), 0o755))
	require.NoError(t, os.WriteFile(old, []byte("[acme-blog]\n"), 0o644))

	app := blogApp("8.2-fpm")
	b := testBatch(s, app)
	script := engine.NewScript()
	require.NoError(t, p.Save(t.Context(), b, app, script))
	runScript(t, script)

	assert.NoFileExists(t, old)
	assert.FileExists(t, filepath.Join(root, "php/8.2/pool.d/acme-blog.conf"))
	assert.FileExists(t, b.Flag("php", "fpm-7.4"))
	assert.FileExists(t, b.Flag("php", "fpm-8.2"))
}

func TestPHPMergeProtectsSiblingVersions(t *testing.T) {
	requireBash(t)
	s, root := testSettings(t)
	s.PHP.Merge = true
	p := NewPHP(s)

	shop := &resources.WebApp{Name: "shop", Account: "acme", Type: "php", PHPVersion: "7.4-fpm"}
	shared := filepath.Join(root, "php/7.4/pool.d/acme.conf")
	require.NoError(t, os.MkdirAll(filepath.Dir(shared), 0o755))
	require.NoError(t, os.WriteFile(shared, []byte("[acme]\n"), 0o644))

	app := blogApp("8.2-fpm")
	b := testBatch(s, app, shop)

	script := engine.NewScript()
	require.NoError(t, p.Delete(t.Context(), b, app, script))
	assert.NotContains(t, script.Text(), shared)
	runScript(t, script)
	assert.FileExists(t, shared, "pool still used by shop")
}

func TestPHPCGIFlagsApacheWhenMounted(t *testing.T) {
	s, root := testSettings(t)
	p := NewPHP(s)
	app := blogApp("5.6-cgi")
	b := testBatch(s, app)

	script := engine.NewScript()
	require.NoError(t, p.Save(t.Context(), b, app, script))
	assert.Contains(t, script.Text(), filepath.Join(root, "fcgi/acme/acme-blog-5.6-wrapper"))
	assert.NotContains(t, script.Text(), "touch "+engine.ShellQuote(b.Flag("php", "apache")))

	app.Mounted = true
	script = engine.NewScript()
	require.NoError(t, p.Save(t.Context(), b, app, script))
	assert.Contains(t, script.Text(), "touch "+engine.ShellQuote(b.Flag("php", "apache")))
	assert.Contains(t, script.Text(), "FcgidCmdOptions "+filepath.Join(root, "fcgi/acme/acme-blog-5.6-wrapper"))
}

func TestPHPCommitReloadsFlaggedVersions(t *testing.T) {
	requireBash(t)
	s, root := testSettings(t)
	p := NewPHP(s)
	b := testBatch(s)

	prepare := engine.NewScript()
	require.NoError(t, p.Prepare(t.Context(), b, prepare))
	runScript(t, prepare)

	require.NoError(t, os.WriteFile(b.Flag("php", "fpm-8.2"), nil, 0o644))
	require.NoError(t, os.WriteFile(b.Flag("php", "apache"), nil, 0o644))

	commit := engine.NewScript()
	require.NoError(t, p.Commit(t.Context(), b, commit))
	res := runScript(t, commit)

	assert.Equal(t, "reload-fpm-8.2\nreload-apache\n", readFile(t, filepath.Join(root, "reloads")))
	assert.Contains(t, res.Stdout, engine.SignalPrefix+"shared:apache2")
	assert.NoFileExists(t, b.Flag("php", "fpm-8.2"))
}

func TestPHPRouteMatchesPHPTypes(t *testing.T) {
	s, _ := testSettings(t)
	p := NewPHP(s)
	pred, err := engine.CompilePredicate(p.Name(), p.Kind(), p.Match())
	require.NoError(t, err)

	for typ, want := range map[string]bool{"php": true, "wordpress-php": true, "static": false} {
		app := blogApp("8.2-fpm")
		app.Type = typ
		got, err := pred.Match(app.Attributes())
		require.NoError(t, err)
		assert.Equal(t, want, got, typ)
	}
}

// Two webapps sharing a merged pool render the same file whichever one is
// saved, so saving them again changes nothing.
func TestPHPMergedPoolIsIdempotent(t *testing.T) {
	requireBash(t)
	s, root := testSettings(t)
	s.PHP.Merge = true
	p := NewPHP(s)

	blog := blogApp("8.2-fpm")
	shop := &resources.WebApp{
		Name:       "shop",
		Account:    "acme",
		Type:       "php",
		PHPVersion: "8.2-fpm",
		Options: resources.WebAppOptions{
			Processes:  8,
			Directives: map[string]string{"memory_limit": "128M", "display_errors": "Off"},
		},
	}
	b := testBatch(s, blog, shop)
	flag := b.Flag("php", "fpm-8.2")
	poolPath := filepath.Join(root, "php/8.2/pool.d/acme.conf")

	save := func() {
		for _, app := range []*resources.WebApp{blog, shop} {
			script := engine.NewScript()
			require.NoError(t, p.Save(t.Context(), b, app, script))
			runScript(t, script)
		}
	}

	save()
	assert.FileExists(t, flag)
	pool := readFile(t, poolPath)
	assert.Contains(t, pool, "[acme]\n")
	assert.Contains(t, pool, "pm.max_children = 8\n")
	assert.Contains(t, pool, "php_admin_value[display_errors] = Off\n"+
		"php_admin_value[memory_limit] = 256M\n"+
		"php_admin_value[upload_max_filesize] = 16M\n")

	require.NoError(t, os.Remove(flag))
	save()
	assert.NoFileExists(t, flag, "unchanged siblings must not rewrite the merged pool")
	assert.Equal(t, pool, readFile(t, poolPath))
}

func TestPHPWebappDirectory(t *testing.T) {
	requireBash(t)
	s, root := testSettings(t)
	p := NewPHP(s)
	app := blogApp("8.2-fpm")
	b := testBatch(s, app)
	dir := filepath.Join(root, "home/acme/webapps/blog")

	save := engine.NewScript()
	require.NoError(t, p.Save(t.Context(), b, app, save))
	runScript(t, save)
	assert.DirExists(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.php"), []byte("<?php"), 0o644))
	runScript(t, save)
	assert.FileExists(t, filepath.Join(dir, "index.php"), "existing directory is left alone")

	del := engine.NewScript()
	require.NoError(t, p.Delete(t.Context(), b, app, del))
	runScript(t, del)
	assert.NoDirExists(t, dir)
	assert.NoFileExists(t, filepath.Join(root, "php/8.2/pool.d/acme-blog.conf"))
}

func TestPHPDeleteRefusesRootDirectory(t *testing.T) {
	s, _ := testSettings(t)
	s.PHP.WebappDir = "/"
	p := NewPHP(s)
	app := blogApp("8.2-fpm")

	err := p.Delete(t.Context(), testBatch(s, app), app, engine.NewScript())
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
}

func TestPHPCGIWrapperChangeSignalsProcesses(t *testing.T) {
	s, _ := testSettings(t)
	p := NewPHP(s)
	app := blogApp("5.6-cgi")
	b := testBatch(s, app)
	wrapperFlag := engine.ShellQuote(b.Flag("php", "wrapper"))

	script := engine.NewScript()
	require.NoError(t, p.Save(t.Context(), b, app, script))
	assert.NotContains(t, script.Text(), "pkill")

	app.Mounted = true
	script = engine.NewScript()
	require.NoError(t, p.Save(t.Context(), b, app, script))
	text := script.Text()
	assert.Contains(t, text, "    touch "+wrapperFlag+"\n")
	assert.Contains(t, text, "if [ -e "+wrapperFlag+" ]; then\n    rm -f "+wrapperFlag+
		"\n    pkill -SIGHUP -U 'acme' '^php[0-9.]+-cgi$' || true\nfi")
}

func TestPHPEmptyCmdOptionsAreRemoved(t *testing.T) {
	s, root := testSettings(t)
	p := NewPHP(s)
	app := blogApp("5.6-cgi")
	app.Options.Processes = 0
	app.Mounted = true
	b := testBatch(s, app)
	cmdOptions := filepath.Join(root, "fcgid/acme-blog-5.6.conf")

	ctx, err := p.BuildContext(app)
	require.NoError(t, err)
	assert.Empty(t, ctx.String("cmd_options"))

	script := engine.NewScript()
	require.NoError(t, p.Save(t.Context(), b, app, script))
	text := script.Text()
	assert.NotContains(t, text, "FcgidCmdOptions")
	assert.Contains(t, text, "if [ -e "+engine.ShellQuote(cmdOptions)+" ]; then\n    rm -f "+engine.ShellQuote(cmdOptions)+
		"\n    touch "+engine.ShellQuote(b.Flag("php", "apache"))+"\nfi")

	app.Options.Timeout = 60
	ctx, err = p.BuildContext(app)
	require.NoError(t, err)
	assert.Contains(t, ctx.String("cmd_options"), "IOTimeout 60")
	assert.NotContains(t, ctx.String("cmd_options"), "MaxProcesses")
}
