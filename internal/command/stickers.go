package command

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Stickers - каталог картинок, которые бот шлёт стикерами.
type Stickers struct {
	fs  afero.Fs
	dir string
}

func NewStickers(fs afero.Fs, dir string) *Stickers {
	return &Stickers{fs: fs, dir: dir}
}

// List возвращает пути к файлам стикеров. Пустой или отсутствующий каталог - не ошибка.
func (s *Stickers) List() ([]string, error) {
	if s == nil || s.fs == nil {
		return nil, nil
	}
	ok, err := afero.DirExists(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("stat sticker dir: %w", err)
	}
	if !ok {
		return nil, nil
	}

	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sticker dir: %w", err)
	}

	var out []string
	for _, fi := range infos {
		if fi.IsDir() || strings.HasPrefix(fi.Name(), ".") {
			continue
		}
		out = append(out, filepath.Join(s.dir, fi.Name()))
	}
	return out, nil
}
