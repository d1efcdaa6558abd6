package catalog

// Converter transforms a value from one unit to another.
type Converter func(float64) float64

type unitPair struct{ from, to string }

var conversions = map[unitPair]Converter{}

// register adds a conversion and its inverse.
func register(from, to string, fwd, inv Converter) {
	conversions[unitPair{from, to}] = fwd
	conversions[unitPair{to, from}] = inv
}

// scale registers a purely multiplicative conversion.
func scale(from, to string, factor float64) {
	register(from, to,
		func(x float64) float64 { return x * factor },
		func(x float64) float64 { return x / factor },
	)
}

func init() {
	register("°F", "°C",
		func(x float64) float64 { return (x - 32) * 5 / 9 },
		func(x float64) float64 { return x*9/5 + 32 },
	)
	register("K", "°C",
		func(x float64) float64 { return x - 273.15 },
		func(x float64) float64 { return x + 273.15 },
	)

	scale("mbar", "hPa", 1)
	scale("inHg", "hPa", 33.8639)
	scale("mmHg", "hPa", 1.33322)
	scale("psi", "hPa", 68.9476)
	scale("Pa", "hPa", 0.01)
	scale("kPa", "hPa", 10)

	scale("Wh", "kWh", 0.001)
	scale("MWh", "kWh", 1000)

	scale("cm", "m", 0.01)
	scale("mm", "m", 0.001)
	scale("km", "m", 1000)
	scale("ft", "m", 0.3048)
	scale("in", "m", 0.0254)
	scale("mi", "m", 1609.34)

	scale("km/h", "m/s", 1/3.6)
	scale("mph", "m/s", 0.44704)
	scale("kn", "m/s", 0.514444)
	scale("ft/s", "m/s", 0.3048)
}

// Convert converts value between units. Equal units, or a pair with no
// registered converter, return value unchanged.
func Convert(value float64, from, to string) float64 {
	if from == to {
		return value
	}
	if fn, ok := conversions[unitPair{from, to}]; ok {
		return fn(value)
	}
	return value
}

// CanConvert reports whether a converter is registered for the pair.
func CanConvert(from, to string) bool {
	_, ok := conversions[unitPair{from, to}]
	return ok
}

// Pairs lists every registered (from, to) pair.
func Pairs() [][2]string {
	out := make([][2]string, 0, len(conversions))
	for p := range conversions {
		out = append(out, [2]string{p.from, p.to})
	}
	return out
}
