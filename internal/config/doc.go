// Package config loads the license core configuration.
//
// Values come from three layers, later ones winning:
//
//	1. Default()
//	2. a YAML file (config.yaml, configs/config.yaml or $LICENSECORE_CONFIG)
//	3. LICENSECORE_* environment variables
//
// Example environment:
//
//	LICENSECORE_LICENSE_MASTER_SECRET=...
//	LICENSECORE_LICENSE_PUBLIC_KEY_FILE=/etc/licensecore/public.pem
//	LICENSECORE_TIME_SERVERS=ntp.aliyun.com,pool.ntp.org
//	LICENSECORE_PATHS_DATA_DIR=/var/lib/licensecore
//
// A missing master secret or public key is reported as a ConfigurationMissing
// error; the process must not start without them.
package config
