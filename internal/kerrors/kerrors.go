// Package kerrors defines the syscall return-code enumeration shared by
// every kernel layer. Negative values are errors; zero is success.
package kerrors

// Code is a syscall return value. Negative values enumerate the errors
// in spec.md §6; zero (Success) means the call completed.
type Code int64

const (
	Success        Code = 0
	InvalidSyscall Code = -1
	InvalidArgument Code = -2
	NoPermission   Code = -3
	NoMemory       Code = -4
	WouldBlock     Code = -5
	Interrupted    Code = -6
	NotFound       Code = -7
	AlreadyExists  Code = -8
	InvalidPort    Code = -9
	QueueFull      Code = -10
	QueueEmpty     Code = -11
	NoChildren     Code = -12
	ChildRunning   Code = -13
)

var names = map[Code]string{
	Success:         "SUCCESS",
	InvalidSyscall:  "INVALID_SYSCALL",
	InvalidArgument: "INVALID_ARGUMENT",
	NoPermission:    "NO_PERMISSION",
	NoMemory:        "NO_MEMORY",
	WouldBlock:      "WOULD_BLOCK",
	Interrupted:     "INTERRUPTED",
	NotFound:        "NOT_FOUND",
	AlreadyExists:   "ALREADY_EXISTS",
	InvalidPort:     "INVALID_PORT",
	QueueFull:       "QUEUE_FULL",
	QueueEmpty:      "QUEUE_EMPTY",
	NoChildren:      "NO_CHILDREN",
	ChildRunning:    "CHILD_RUNNING",
}

// String renders the symbolic name used in boot traces and panic banners.
func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "UNKNOWN_ERROR"
}

// Int64 returns the raw value written into a syscall frame's x0.
func (c Code) Int64() int64 { return int64(c) }
