// Package s3 stores index snapshot blobs in Amazon S3.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "vecproj/")
//
// Put goes through the multipart upload manager, so large snapshots are
// split into parts and uploaded concurrently. Reads use ranged GETs.
package s3
