package s3

import "testing"

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: &Config{
				Endpoint:        "s3.amazonaws.com",
				Bucket:          "my-bucket",
				AccessKeyID:     "key",
				SecretAccessKey: "secret",
			},
			wantErr: false,
		},
		{
			name:    "nil config",
			cfg:     nil,
			wantErr: true,
		},
		{
			name: "empty endpoint",
			cfg: &Config{
				Bucket:          "my-bucket",
				AccessKeyID:     "key",
				SecretAccessKey: "secret",
			},
			wantErr: true,
		},
		{
			name: "empty bucket",
			cfg: &Config{
				Endpoint:        "s3.amazonaws.com",
				AccessKeyID:     "key",
				SecretAccessKey: "secret",
			},
			wantErr: true,
		},
		{
			name: "empty access key id",
			cfg: &Config{
				Endpoint:        "s3.amazonaws.com",
				Bucket:          "my-bucket",
				SecretAccessKey: "secret",
			},
			wantErr: true,
		},
		{
			name: "empty secret access key",
			cfg: &Config{
				Endpoint:    "s3.amazonaws.com",
				Bucket:      "my-bucket",
				AccessKeyID: "key",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBackupKey(t *testing.T) {
	key := BackupKey("11111111-1111-1111-1111-111111111111")
	expected := "backups/11111111-1111-1111-1111-111111111111.tar.zst"
	if key != expected {
		t.Errorf("BackupKey() = %v, want %v", key, expected)
	}
}
