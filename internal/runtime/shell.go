package runtime

// ShellRuntime runs commands with the POSIX shell.
type ShellRuntime struct{}

func (s *ShellRuntime) Name() string { return "shell" }

func (s *ShellRuntime) Image() string { return "docker.io/library/alpine:3.20" }

func (s *ShellRuntime) Command(code, _ string, _ Options) []string {
	return []string{"/bin/sh", "-c", code}
}

func (s *ShellRuntime) FileExtension() string { return "" }

func (s *ShellRuntime) Validate(code string) error { return validateSize(code) }

// BashRuntime runs commands with bash.
type BashRuntime struct{}

func (b *BashRuntime) Name() string { return "bash" }

func (b *BashRuntime) Image() string { return "docker.io/library/bash:5.2" }

func (b *BashRuntime) Command(code, _ string, _ Options) []string {
	return []string{
		"bash",
		"--noprofile",
		"--norc",
		"-c", code,
	}
}

func (b *BashRuntime) FileExtension() string { return "" }

func (b *BashRuntime) Validate(code string) error { return validateSize(code) }
