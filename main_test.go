package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/any-hub/mediacache/internal/cachekey"
)

func TestResolveConfigPathPriority(t *testing.T) {
	t.Setenv("MEDIACACHE_CONFIG", "/tmp/env.toml")

	if got := resolveConfigPath(""); got != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", got)
	}
	if got := resolveConfigPath("/tmp/flag.toml"); got != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", got)
	}

	t.Setenv("MEDIACACHE_CONFIG", "")
	if got := resolveConfigPath(""); got != "config.toml" {
		t.Fatalf("缺省应使用 config.toml，得到 %s", got)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "invalid.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	code = run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("缺失的配置文件应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := execute([]string{"--version"})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "mediacache") {
		t.Fatalf("version 输出应包含 mediacache 标识")
	}
}

func TestExecuteRejectsUnknownFlag(t *testing.T) {
	useBufferWriters(t)
	if code := execute([]string{"--no-such-flag"}); code != 2 {
		t.Fatalf("未知参数应返回退出码 2，得到 %d", code)
	}
	if stdErrBuffer().Len() == 0 {
		t.Fatalf("未知参数应输出错误信息")
	}
}

func TestKeyCommandPrintsLayout(t *testing.T) {
	root := t.TempDir()
	configPath := writeConfigFile(t, fmt.Sprintf(`
ListenPort = 5090
CacheRoot = "%s"
CacheSubfolder = "media"
`, filepath.ToSlash(root)))

	useBufferWriters(t)
	locator := "https://example.com/a.mp4"
	code := execute([]string{"key", "--config", configPath, locator})
	if code != 0 {
		t.Fatalf("key 子命令应成功，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}

	out := stdOutBuffer().String()
	hash := cachekey.Hash(locator)
	if !strings.Contains(out, "key:       "+hash) {
		t.Fatalf("输出缺少缓存键: %s", out)
	}
	wantPath := filepath.Join(root, "media", hash+".mp4")
	if !strings.Contains(out, wantPath) {
		t.Fatalf("输出缺少缓存路径 %s: %s", wantPath, out)
	}
	if !strings.Contains(out, "state:     empty") {
		t.Fatalf("未下载的资源应为 empty: %s", out)
	}
}

func TestKeyCommandRequiresLocator(t *testing.T) {
	useBufferWriters(t)
	if code := execute([]string{"key"}); code != 2 {
		t.Fatalf("缺少 url 应返回退出码 2，得到 %d", code)
	}
	if !bytes.Contains(stdErrBuffer().Bytes(), []byte("arg")) {
		t.Fatalf("应提示参数数量错误: %s", stdErrBuffer().String())
	}
}
