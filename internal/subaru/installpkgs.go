package subaru

import "fmt"

// InstallPackages runs the package manager inside the chroot for the
// recipe's package list. Dependency resolution, mirrors and package policy
// all belong to the package manager; this is glue around the chroot session.
func InstallPackages(engine *Engine, e *Executor, session *ChrootSession, packages []string) error {
	if len(packages) == 0 {
		arrow("No packages requested, skipping installation")
		return nil
	}

	for _, pkg := range packages {
		pkg := pkg
		op := fmt.Sprintf("install-package-%s", pkg)
		err := engine.Run(op, func() error {
			cmdArgs := []string{"hokuto", "install", "-y", pkg}
			if BinaryMirror != "" {
				cmdArgs = append([]string{"env", "HOKUTO_MIRROR=" + BinaryMirror}, cmdArgs...)
			}
			return session.Exec(e, cmdArgs)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
