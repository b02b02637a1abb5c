package bms

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	goconfig "github.com/TheCacophonyProject/go-config"
	"github.com/TheCacophonyProject/tc2-bms-controller/soc"
	"github.com/spf13/viper"
)

const (
	ConfigFileName = "bms.yaml"
	configSection  = "bms"
	envPrefix      = "BMS"
)

// Manually configured device chemistries that the OCV model can serve.
var compatibleChemistries = map[string]bool{
	"li-ion": true,
	"liion":  true,
	"lipo":   true,
	"li-po":  true,
}

// LoadConfig reads bms.yaml from configDir, checks it against the embedded
// schema and returns the validated engine configuration.
func LoadConfig(configDir string) (soc.Config, error) {
	return loadConfigFile(filepath.Join(configDir, ConfigFileName))
}

func loadConfigFile(path string) (soc.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return soc.Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	validator, err := newSchemaValidator()
	if err != nil {
		return soc.Config{}, err
	}
	if err := validator.validate(v.AllSettings()); err != nil {
		return soc.Config{}, err
	}

	// Environment overrides are applied after the schema check as they arrive as strings.
	// They are still checked by Validate below.
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal rather than UnmarshalKey so defaults and env are merged in.
	file := configFile{BMS: soc.DefaultConfig()}
	if err := v.Unmarshal(&file); err != nil {
		return soc.Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := file.BMS.Validate(); err != nil {
		return soc.Config{}, err
	}
	return file.BMS, nil
}

type configFile struct {
	BMS soc.Config `mapstructure:"bms"`
}

func setDefaults(v *viper.Viper) {
	d := soc.DefaultConfig()
	def := func(key string, value interface{}) {
		v.SetDefault(configSection+"."+key, value)
	}
	def("cell_count", d.CellCount)
	def("crc", d.CRC)
	def("address", int(d.Address))
	def("chemistry", d.Chemistry)
	def("poll_interval", d.PollInterval.String())
	def("ocv_source", string(d.OCVSource))
	def("use_hw_fault_anchors", d.UseHWFaultAnchors)
	def("current_positive_is_discharge", d.CurrentPositiveIsDischarge)
	def("coulombic_eff_discharge", d.CoulombicEffDischarge)
	def("coulombic_eff_charge", d.CoulombicEffCharge)
	def("learn_alpha", d.LearnAlpha)
	def("initial_soc_percent", d.InitialSoCPercent)
	def("confidence_decay_per_cycle", d.ConfidenceDecayPerCycle)
	def("min_board_temp_c", d.MinBoardTempC)
	def("max_board_temp_c", d.MaxBoardTempC)
}

// checkDeviceBattery refuses to run when the device wide config declares a
// battery chemistry the OCV model was not built for.
func checkDeviceBattery(configDir string) error {
	conf, err := goconfig.New(configDir)
	if err != nil {
		return fmt.Errorf("failed to load device config: %w", err)
	}
	battery := goconfig.DefaultBattery()
	if err := conf.Unmarshal(goconfig.BatteryKey, &battery); err != nil {
		return fmt.Errorf("failed to load battery config: %w", err)
	}
	if !battery.EnableVoltageReadings {
		return errBatteryReadingsDisabled
	}
	// Chemistry is not part of goconfig.Battery, so it is read straight from the section.
	chemistry, _ := conf.Get(goconfig.BatteryKey + "." + chemistryKey).(string)
	return checkChemistry(chemistry)
}

const chemistryKey = "chemistry"

var (
	errIncompatibleChemistry   = errors.New("incompatible battery chemistry")
	errBatteryReadingsDisabled = errors.New("battery readings disabled in device config")
)

func checkChemistry(chemistry string) error {
	chem := strings.ToLower(strings.TrimSpace(chemistry))
	if chem == "" {
		return nil
	}
	if !compatibleChemistries[chem] {
		return fmt.Errorf("%w: device is configured for '%s', BMS supports %s", errIncompatibleChemistry, chemistry, soc.ChemistryLiIonLiPo)
	}
	log.Infof("Battery chemistry configured as '%s'", chemistry)
	return nil
}
