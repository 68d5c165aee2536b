package memory

import (
	"context"

	"github.com/amlume/identity/repository"
)

// DeviceFingerprintRepo is the DeviceFingerprintRepository view of a Store.
type DeviceFingerprintRepo struct{ *Store }

// DeviceFingerprints returns the DeviceFingerprintRepository view of this store.
func (s *Store) DeviceFingerprints() DeviceFingerprintRepo { return DeviceFingerprintRepo{s} }

var _ repository.DeviceFingerprintRepository = DeviceFingerprintRepo{}

func (s DeviceFingerprintRepo) Get(ctx context.Context, userID int64, fingerprintHash string) (repository.UserDeviceFingerprint, error) {
	var out repository.UserDeviceFingerprint
	var err error
	s.tx(func() {
		f, ok := s.deviceFingerprints[fingerprintKey{userID, fingerprintHash}]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		out = f
	})
	return out, err
}

func (s DeviceFingerprintRepo) Upsert(ctx context.Context, f repository.UserDeviceFingerprint) error {
	s.tx(func() {
		s.deviceFingerprints[fingerprintKey{f.UserID, f.FingerprintHash}] = f
	})
	return nil
}

func (s DeviceFingerprintRepo) ListForUser(ctx context.Context, userID int64) ([]repository.UserDeviceFingerprint, error) {
	var out []repository.UserDeviceFingerprint
	s.tx(func() {
		for key, f := range s.deviceFingerprints {
			if key.userID == userID {
				out = append(out, f)
			}
		}
	})
	return out, nil
}

func (s DeviceFingerprintRepo) DeleteAllForUser(ctx context.Context, userID int64) error {
	s.tx(func() {
		for key := range s.deviceFingerprints {
			if key.userID == userID {
				delete(s.deviceFingerprints, key)
			}
		}
	})
	return nil
}
