package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// workspaceSyscalls is what a long-lived workspace container needs: an init
// that sleeps, shells and interpreters started through exec, and the kill
// used to reap them on timeout.
func workspaceSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3", "fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat", "getdents64",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3", "vfork",
			"set_tid_address", "set_robust_list", "get_robust_list", "rseq",
			"kill", "tgkill", "tkill",
			"setpgid", "getpgid", "getpgrp", "setsid", "getsid",
		).
		AllowSyscalls(
			"futex", "gettid", "sched_yield", "sched_getaffinity",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend",
			"sigaltstack",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres", "gettimeofday",
			"nanosleep", "clock_nanosleep",
			"getrusage", "times",
		).
		AllowSyscalls(
			"getpid", "getppid", "getuid", "geteuid", "getgid", "getegid", "getgroups",
			"uname", "getcwd", "sysinfo",
		).
		AllowSyscalls(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "eventfd2",
		).
		AllowSyscalls(
			"getrandom", "arch_prctl", "prctl", "ioctl",
			"getrlimit", "prlimit64", "umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat", "mkdir", "mkdirat", "rmdir",
			"symlink", "symlinkat", "link", "linkat",
			"ftruncate", "fallocate", "fsync", "fdatasync", "flock",
			"statfs", "fstatfs", "utimensat",
			"memfd_create", "copy_file_range", "sendfile",
		)
}

func forbiddenSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf", "perf_event_open", "userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot", "swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct", "settimeofday", "adjtimex", "clock_adjtime",
			"personality", "ioperm", "iopl",
		)
}

// WorkspaceProfile is the profile for workspace containers without network.
func WorkspaceProfile() *specs.LinuxSeccomp {
	return forbiddenSyscalls(workspaceSyscalls(NewBuilder())).Build()
}

// WorkspaceNetworkProfile additionally allows socket syscalls.
func WorkspaceNetworkProfile() *specs.LinuxSeccomp {
	b := workspaceSyscalls(NewBuilder()).
		AllowSyscalls(
			"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
			"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
			"getsockopt", "setsockopt", "getsockname", "getpeername",
			"shutdown",
		)
	return forbiddenSyscalls(b).Build()
}

func DockerProfileJSON() ([]byte, error) {
	return dockerJSON(WorkspaceProfile())
}

func DockerNetworkProfileJSON() ([]byte, error) {
	return dockerJSON(WorkspaceNetworkProfile())
}
