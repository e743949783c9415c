package params

import (
	"time"
)

type Source struct {
	Type string
	// Version is reported as the API version by sources that do not get one from upstream
	Version string
	GRPC   *GRPC
	File   *File
	S3     *S3
	Random *Random
}

type GRPC struct {
	Host      string
	Port      int
	AuthToken string
	Insecure  bool

	// MaxIdle ends a stream when no event arrives for this long. Zero disables the idle timer.
	MaxIdle time.Duration

	// MinIdleBeforeDrop lets a connection dropped by the server after at least this much idle time
	// count as a normal end of stream.
	MinIdleBeforeDrop time.Duration
}

type File struct {
	Dir string
}

type S3 struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
}

type Random struct {
	Seed      int64
	MaxToSend int
	// MaxClaimIDs bounds the distinct claim ids produced, so later events update earlier claims
	MaxClaimIDs int
}
