package transport

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ResolveBinary はサイドカーの実行ファイルを探す。
// 探索順: explicit → 実行中バイナリと同じディレクトリ → ./binaries/<name>-<triple> → PATH。
// explicitが指定されていてそれが存在しない場合は他を探さない。
func ResolveBinary(name, explicit string) (string, error) {
	if explicit != "" {
		if err := checkExecutable(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}
	if name == "" {
		name = DefaultBinaryName
	}

	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), name))
	}
	candidates = append(candidates, filepath.Join("binaries", name+"-"+TargetTriple()))

	for _, path := range candidates {
		if checkExecutable(path) == nil {
			return path, nil
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	} else if !errors.Is(err, exec.ErrNotFound) {
		return "", fmt.Errorf("%w: %w: %v", ErrSpawn, ErrBinaryNotFound, err)
	}

	return "", fmt.Errorf("%w: %w: %s", ErrSpawn, ErrBinaryNotFound, name)
}

// TargetTriple は開発時のビルド成果物に付くターゲット名を返す
func TargetTriple() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	}

	switch runtime.GOOS {
	case "darwin":
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	default:
		return arch + "-unknown-" + runtime.GOOS + "-gnu"
	}
}
