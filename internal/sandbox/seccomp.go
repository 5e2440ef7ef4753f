package sandbox

import (
	"encoding/json"
	"os"
)

// seccompProfile is the restrictive syscall filter applied to every sandbox.
// Default-deny with an allowlist covering ordinary userspace programs;
// mount, ptrace-of-others, reboot, and module loading stay blocked.
type seccompProfile struct {
	DefaultAction string           `json:"defaultAction"`
	Architectures []string         `json:"architectures"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string     `json:"names"`
	Action string       `json:"action"`
	Args   []seccompArg `json:"args,omitempty"`
}

type seccompArg struct {
	Index uint   `json:"index"`
	Value uint64 `json:"value"`
	Op    string `json:"op"`
}

func writeSeccompProfile(path string) error {
	profile := seccompProfile{
		DefaultAction: "SCMP_ACT_ERRNO",
		Architectures: []string{"SCMP_ARCH_X86_64", "SCMP_ARCH_X86", "SCMP_ARCH_AARCH64", "SCMP_ARCH_ARM"},
		Syscalls: []seccompSyscall{
			{Names: []string{"read", "write", "open", "openat", "close", "stat", "fstat", "lstat", "newfstatat", "statx"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"poll", "ppoll", "pselect6", "select", "epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"lseek", "mmap", "mprotect", "munmap", "mremap", "brk", "madvise", "membarrier"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigpending", "rt_sigtimedwait", "rt_sigqueueinfo", "sigaltstack"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"ioctl", "access", "faccessat", "pipe", "pipe2", "dup", "dup2", "dup3", "fcntl", "flock"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"sched_yield", "nanosleep", "clock_nanosleep", "clock_gettime", "clock_getres", "gettimeofday", "time", "getitimer", "setitimer", "alarm", "pause"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"getpid", "getppid", "gettid", "getuid", "geteuid", "getgid", "getegid", "getgroups", "getpgid", "getpgrp", "getsid", "getcpu", "getrandom"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"socket", "connect", "bind", "listen", "accept", "accept4", "sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg", "shutdown", "getsockname", "getpeername", "socketpair", "setsockopt", "getsockopt"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"clone", "clone3", "fork", "vfork", "execve", "execveat", "exit", "exit_group", "wait4", "waitid", "kill", "tkill", "tgkill"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"uname", "sysinfo", "times", "getrlimit", "setrlimit", "prlimit64", "getrusage", "umask", "personality", "arch_prctl", "prctl"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"fsync", "fdatasync", "sync", "syncfs", "sync_file_range", "truncate", "ftruncate", "fallocate", "readahead", "fadvise64"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"getdents", "getdents64", "getcwd", "chdir", "fchdir", "rename", "renameat", "renameat2", "mkdir", "mkdirat", "rmdir", "creat", "link", "linkat", "unlink", "unlinkat", "symlink", "symlinkat", "readlink", "readlinkat"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"chmod", "fchmod", "fchmodat", "chown", "fchown", "lchown", "fchownat", "utime", "utimes", "utimensat", "futimesat", "statfs", "fstatfs"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"setuid", "setgid", "setpgid", "setsid", "setreuid", "setregid", "setgroups", "setresuid", "getresuid", "setresgid", "getresgid", "setfsuid", "setfsgid", "capget", "capset"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"futex", "set_tid_address", "set_robust_list", "get_robust_list", "rseq", "restart_syscall", "sched_getaffinity", "sched_setaffinity", "sched_getparam", "sched_setparam", "sched_getscheduler", "sched_setscheduler", "sched_get_priority_max", "sched_get_priority_min", "sched_rr_get_interval", "getpriority", "setpriority"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"timer_create", "timer_settime", "timer_gettime", "timer_getoverrun", "timer_delete", "timerfd_create", "timerfd_settime", "timerfd_gettime", "eventfd", "eventfd2", "signalfd", "signalfd4"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"inotify_init", "inotify_init1", "inotify_add_watch", "inotify_rm_watch", "splice", "tee", "vmsplice", "copy_file_range", "preadv", "pwritev", "preadv2", "pwritev2", "pread64", "pwrite64", "readv", "writev"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"io_setup", "io_destroy", "io_getevents", "io_submit", "io_cancel", "memfd_create", "mlock", "mlock2", "munlock", "mlockall", "munlockall", "msync", "mincore", "getxattr", "lgetxattr", "fgetxattr", "listxattr", "llistxattr", "flistxattr", "setxattr", "lsetxattr", "fsetxattr", "removexattr", "lremovexattr", "fremovexattr"}, Action: "SCMP_ACT_ALLOW"},
			// Self-ptrace only (debuggers inside the sandbox, not escape).
			{Names: []string{"ptrace"}, Action: "SCMP_ACT_ERRNO", Args: []seccompArg{{Index: 0, Value: 0, Op: "SCMP_CMP_NE"}}},
			{Names: []string{"mount", "umount2", "pivot_root", "chroot"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"reboot", "swapon", "swapoff", "kexec_load", "kexec_file_load"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"init_module", "finit_module", "delete_module", "bpf", "userfaultfd", "acct", "quotactl", "setns", "unshare"}, Action: "SCMP_ACT_ERRNO"},
		},
	}

	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
