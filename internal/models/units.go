package models

// Unit system: Angstrom, femtosecond, eV, amu, Kelvin. Stresses and pressures
// are reported in kilobar to match the conventions of ab-initio MD codes.
const (
	// Boltzmann constant in eV/K.
	Boltzmann = 8.617333262e-5

	// AccelFactor converts (eV/Angstrom)/amu into Angstrom/fs^2.
	AccelFactor = 9.64853322e-3

	// KineticFactor converts amu*(Angstrom/fs)^2 into eV. It is the inverse
	// of AccelFactor.
	KineticFactor = 1.0 / AccelFactor

	// EVPerA3ToGPa converts eV/Angstrom^3 into GPa.
	EVPerA3ToGPa = 160.21766208

	// EVPerA3ToKBar converts eV/Angstrom^3 into kilobar.
	EVPerA3ToKBar = EVPerA3ToGPa * 10
)
