package project

import "strings"

var elementSymbols = func() map[string]bool {
	const table = `H He Li Be B C N O F Ne Na Mg Al Si P S Cl Ar K Ca Sc Ti V Cr Mn Fe Co Ni Cu Zn
Ga Ge As Se Br Kr Rb Sr Y Zr Nb Mo Tc Ru Rh Pd Ag Cd In Sn Sb Te I Xe Cs Ba La Ce Pr Nd Pm Sm Eu
Gd Tb Dy Ho Er Tm Yb Lu Hf Ta W Re Os Ir Pt Au Hg Tl Pb Bi Po At Rn Fr Ra Ac Th Pa U Np Pu Am Cm
Bk Cf Es Fm Md No Lr D`
	m := map[string]bool{}
	for _, s := range strings.Fields(table) {
		m[s] = true
	}
	return m
}()

// IsElement reports whether s is a chemical element symbol, or an ion of
// one such as "Fe2+" or "O2-".
func IsElement(s string) bool {
	s = strings.TrimRight(s, "0123456789+-")
	return elementSymbols[s]
}
