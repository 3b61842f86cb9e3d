package health

import (
	"context"
	"fmt"
	"os"

	"github.com/MrWong99/stems/pkg/provider/inference"
)

// ModelChecker reports whether the inference provider can serve requests.
// Providers implementing [inference.Checker] are probed directly; others
// must be able to open and close a session.
func ModelChecker(p inference.Provider) Checker {
	return Checker{
		Name: "model",
		Check: func(ctx context.Context) error {
			if c, ok := p.(inference.Checker); ok {
				return c.Check(ctx)
			}
			s, err := p.NewSession(ctx)
			if err != nil {
				return err
			}
			return s.Close()
		},
	}
}

// DirChecker reports whether dir exists and accepts new files.
func DirChecker(name, dir string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			f, err := os.CreateTemp(dir, ".readyz-*")
			if err != nil {
				return fmt.Errorf("%s not writable: %w", dir, err)
			}
			path := f.Name()
			if err := f.Close(); err != nil {
				return err
			}
			return os.Remove(path)
		},
	}
}
