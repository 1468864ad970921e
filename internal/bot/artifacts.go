package bot

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// Artifacts - локальные данные сессий (кеш авторизации) в каталоге session-<id>.
type Artifacts struct {
	fs   afero.Fs
	root string
}

func NewArtifacts(fs afero.Fs, root string) *Artifacts {
	return &Artifacts{fs: fs, root: root}
}

func (a *Artifacts) Dir(botID string) string {
	return filepath.Join(a.root, "session-"+botID)
}

func (a *Artifacts) Exists(botID string) bool {
	ok, err := afero.DirExists(a.fs, a.Dir(botID))
	return err == nil && ok
}

// Purge удаляет каталог сессии. Отсутствие каталога - не ошибка, поэтому повтор безопасен.
func (a *Artifacts) Purge(botID string) error {
	if a == nil {
		return nil
	}
	if err := a.fs.RemoveAll(a.Dir(botID)); err != nil {
		return fmt.Errorf("purge session %s: %w", botID, err)
	}
	return nil
}
