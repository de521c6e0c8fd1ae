package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// interpreterSyscalls is what CPython and its standard library need to start,
// import modules, spawn subprocesses and do file I/O.
func interpreterSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "openat2", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents", "getdents64",
			"sendfile", "copy_file_range",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise", "mincore", "membarrier",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3", "vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
			"rseq",
		).
		AllowSyscalls(
			"futex",
			"gettid",
			"kill", "tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend",
			"sigaltstack",
			"sched_yield", "sched_getaffinity",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday", "time", "times",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "getppid", "getpgrp", "getsid",
			"getuid", "geteuid", "getresuid",
			"getgid", "getegid", "getresgid", "getgroups",
			"uname",
			"getcwd",
			"getrusage",
		).
		AllowSyscalls(
			"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
			"socketpair",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "prlimit64",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"symlink", "symlinkat",
			"link", "linkat",
			"truncate", "ftruncate",
			"fallocate",
			"fsync", "fdatasync",
			"flock",
			"statfs", "fstatfs",
			"utimensat",
			"memfd_create",
		)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
			"open_by_handle_at",
		)
}

// DefaultProfile returns a deny-by-default profile for programs that run
// without network access.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = interpreterSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}

// NetworkAllowProfile is DefaultProfile plus the socket family.
func NetworkAllowProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = interpreterSyscalls(b)

	b.AllowSyscalls(
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	)

	b = dangerousSyscalls(b)
	return b.Build()
}
